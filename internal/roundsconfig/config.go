// Package roundsconfig loads the engine's tunables from the process
// environment once at startup, the way the rest of this codebase avoids
// scattered string lookups: everything is read here and handed out as an
// immutable value.
package roundsconfig

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// RateLimitKey identifies one rate-limit bucket by endpoint and scope
// (e.g. endpoint "entries", scope "ip").
type RateLimitKey struct {
	Endpoint string
	Scope    string
}

// RateLimitRule is the (limit, window) pair for one bucket.
type RateLimitRule struct {
	Limit    int
	WindowMs int64
}

// Config is the engine's full set of environment-driven tunables.
type Config struct {
	FeeBps          int
	OpenSeconds     int64
	LockSeconds     int64
	SettleSeconds   int64
	OracleMaxAgeSec int64

	KeeperInterval time.Duration

	PauseJoins    bool
	PauseSettle   bool
	PauseSimSettle bool

	ExpectedTreasuryWallet string

	DataDir       string
	ListenAddr    string
	LogLevel      string
	OracleBaseURL string
	SettleKey     string

	// ProgramID is the on-chain custody program's base58 address. Empty
	// means server-custody mode: no PDAs are derived or persisted.
	ProgramID string

	RateLimits map[RateLimitKey]RateLimitRule
}

// Load reads the configuration from the environment, applying defaults for
// anything unset. It also opportunistically loads a local .env file (if
// present) before reading, setting only variables that are not already
// set in the environment, so operators can run the
// daemon without exporting a dozen variables by hand.
func Load() *Config {
	loadDotEnv()

	cfg := &Config{
		FeeBps:          int(getEnvInt("FEE_BPS", 600)),
		OpenSeconds:     getEnvInt64("OPEN_SECONDS", 60),
		LockSeconds:     getEnvInt64("LOCK_SECONDS", 60),
		SettleSeconds:   getEnvInt64("SETTLE_SECONDS", 300),
		OracleMaxAgeSec: getEnvInt64("ORACLE_MAX_AGE_SEC", 120),
		KeeperInterval:  time.Duration(getEnvInt64("KEEPER_INTERVAL_MS", 4000)) * time.Millisecond,

		PauseJoins:     getEnvBool("PAUSE_JOINS", false),
		PauseSettle:    getEnvBool("PAUSE_SETTLE", false),
		PauseSimSettle: getEnvBool("PAUSE_SIM_SETTLE", false),

		ExpectedTreasuryWallet: getEnv("EXPECTED_TREASURY_WALLET", ""),

		DataDir:       getEnv("DATA_DIR", "./data"),
		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		OracleBaseURL: getEnv("ORACLE_BASE_URL", ""),
		SettleKey:     getEnv("SETTLE_KEY", ""),
		ProgramID:     getEnv("ONCHAIN_PROGRAM_ID", ""),

		RateLimits: map[RateLimitKey]RateLimitRule{
			{Endpoint: "entries", Scope: "ip"}: {
				Limit:    int(getEnvInt("RATE_LIMIT_ENTRIES_IP_LIMIT", 20)),
				WindowMs: getEnvInt64("RATE_LIMIT_ENTRIES_IP_WINDOW_MS", 60_000),
			},
			{Endpoint: "entries", Scope: "wallet"}: {
				Limit:    int(getEnvInt("RATE_LIMIT_ENTRIES_WALLET_LIMIT", 5)),
				WindowMs: getEnvInt64("RATE_LIMIT_ENTRIES_WALLET_WINDOW_MS", 60_000),
			},
			{Endpoint: "settle", Scope: "global"}: {
				Limit:    int(getEnvInt("RATE_LIMIT_SETTLE_LIMIT", 60)),
				WindowMs: getEnvInt64("RATE_LIMIT_SETTLE_WINDOW_MS", 60_000),
			},
		},
	}

	return cfg
}

// CycleSeconds is OPEN_SECONDS + LOCK_SECONDS, the alignment modulus for
// round start timestamps.
func (c *Config) CycleSeconds() int64 {
	return c.OpenSeconds + c.LockSeconds
}

// --------- env helpers ---------

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "y", "yes", "on":
		return true
	case "0", "false", "n", "no", "off":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

func getEnvInt64(key string, def int64) int64 {
	return getEnvInt(key, def)
}

// loadDotEnv reads ./.env (and ../.env) and sets any key not already present
// in the environment. Unlike a shell `export $(cat .env)`, it never
// overrides variables the process already has, and it tolerates quoted
// values and inline comments.
func loadDotEnv() {
	for _, base := range []string{".", ".."} {
		applyDotEnvFile(filepath.Join(base, ".env"))
	}
}

func applyDotEnvFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if len(val) >= 2 && ((val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'')) {
			val = val[1 : len(val)-1]
		}
		if idx := strings.IndexAny(val, "#"); idx >= 0 {
			val = strings.TrimSpace(val[:idx])
		}
		if os.Getenv(key) == "" {
			_ = os.Setenv(key, val)
		}
	}
}
