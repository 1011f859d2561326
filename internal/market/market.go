// Package market holds the static, per-deployment-immutable registry of
// tradeable markets — the symbol, its oracle feed identity, and the
// program account expected to own that feed's price data. The shape
// follows the registry-by-symbol pattern this codebase already uses for
// per-chain parameters: a package-level map populated by init(), with
// Register/Get/List accessors instead of a config file.
package market

import "fmt"

// Market binds a symbol to its oracle feed and expected oracle owner.
type Market struct {
	Symbol        string
	FeedID        string
	ExpectedOwner string

	// StakeTiersUnits is the enumerated set of stake amounts (in base
	// units) a join is allowed to use. The active set at submission time
	// governs; no historical tier set is tracked.
	StakeTiersUnits []int64
}

var registry = map[string]*Market{}

// Register adds a market to the registry. Intended for init()-time calls
// only; it is not safe for concurrent use with Get/List after startup.
func Register(m *Market) {
	registry[m.Symbol] = m
}

// Get returns the market for a symbol.
func Get(symbol string) (*Market, bool) {
	m, ok := registry[symbol]
	return m, ok
}

// MustGet returns the market for a symbol or panics. Used at startup paths
// where an unregistered market is a configuration error, not a runtime one.
func MustGet(symbol string) *Market {
	m, ok := Get(symbol)
	if !ok {
		panic(fmt.Sprintf("market: unregistered symbol %q", symbol))
	}
	return m
}

// List returns all registered symbols.
func List() []string {
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	return out
}

// IsSupportedTier reports whether units is one of the market's enumerated
// stake tiers.
func (m *Market) IsSupportedTier(units int64) bool {
	for _, t := range m.StakeTiersUnits {
		if t == units {
			return true
		}
	}
	return false
}

func init() {
	Register(&Market{
		Symbol:          "SOL",
		FeedID:          "sol-usd",
		ExpectedOwner:   "pyth-price-program",
		StakeTiersUnits: []int64{1_000_000_000, 5_000_000_000, 10_000_000_000},
	})
	Register(&Market{
		Symbol:          "BTC",
		FeedID:          "btc-usd",
		ExpectedOwner:   "pyth-price-program",
		StakeTiersUnits: []int64{10_000, 50_000, 100_000},
	})
	Register(&Market{
		Symbol:          "ETH",
		FeedID:          "eth-usd",
		ExpectedOwner:   "pyth-price-program",
		StakeTiersUnits: []int64{10_000_000_000_000_000, 50_000_000_000_000_000},
	})
}
