package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/priceduel/roundengine/internal/market"
	"github.com/priceduel/roundengine/internal/rounderrors"
)

// HTTPPort polls a Pyth-Hermes-shaped price API over HTTP. It follows the
// same shape as every other HTTP-backed data source in this codebase: a
// context-aware get() helper that decodes JSON and classifies the response
// by status code, with no retry or caching of its own. SingleFlightCache
// can be layered on top to coalesce concurrent identical requests; it adds
// no retry or caching either.
type HTTPPort struct {
	baseURL string
	client  *http.Client
}

var _ Port = (*HTTPPort)(nil)

// NewHTTPPort creates an HTTPPort against baseURL (e.g.
// "https://hermes.pyth.network").
func NewHTTPPort(baseURL string) *HTTPPort {
	return &HTTPPort{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type priceUpdateResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Expo        int32  `json:"expo"`
			Conf        string `json:"conf"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
		Owner string `json:"owner"`
	} `json:"parsed"`
}

// PriceAt fetches the latest price update for market's feed as of unixTS.
func (p *HTTPPort) PriceAt(ctx context.Context, marketSymbol string, unixTS int64) (Snapshot, error) {
	m, ok := market.Get(marketSymbol)
	if !ok {
		return Snapshot{}, rounderrors.New(rounderrors.Validation, fmt.Sprintf("unknown market %q", marketSymbol))
	}

	q := url.Values{}
	q.Set("ids[]", m.FeedID)
	q.Set("at", strconv.FormatInt(unixTS, 10))

	var resp priceUpdateResponse
	if err := p.get(ctx, "/v2/updates/price/latest?"+q.Encode(), &resp); err != nil {
		return Snapshot{}, err
	}
	if len(resp.Parsed) == 0 {
		return Snapshot{}, rounderrors.New(rounderrors.TransientExternal, "oracle returned no price updates")
	}

	entry := resp.Parsed[0]
	price, err := strconv.ParseInt(entry.Price.Price, 10, 64)
	if err != nil {
		return Snapshot{}, rounderrors.Wrap(rounderrors.TransientExternal, "malformed oracle price mantissa", err)
	}
	conf, _ := strconv.ParseInt(entry.Price.Conf, 10, 64)

	return Snapshot{
		Market:      marketSymbol,
		Price:       price,
		Expo:        entry.Price.Expo,
		PublishTime: entry.Price.PublishTime,
		Confidence:  conf,
		SourceOwner: entry.Owner,
	}, nil
}

func (p *HTTPPort) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return rounderrors.Wrap(rounderrors.TransientExternal, "building oracle request", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return rounderrors.Wrap(rounderrors.TransientExternal, "oracle request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return rounderrors.New(rounderrors.TransientExternal, "oracle rate limited")
	case resp.StatusCode >= 500:
		return rounderrors.New(rounderrors.TransientExternal, fmt.Sprintf("oracle server error: %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return rounderrors.New(rounderrors.Validation, fmt.Sprintf("oracle rejected request: %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return rounderrors.Wrap(rounderrors.TransientExternal, "decoding oracle response", err)
	}
	return nil
}
