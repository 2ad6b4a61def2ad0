package statement

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPPriceCalculator calls the external price calculator service.
type HTTPPriceCalculator struct {
	base string
	hc   *http.Client
}

func NewHTTPPriceCalculator(baseURL string) *HTTPPriceCalculator {
	return &HTTPPriceCalculator{base: baseURL, hc: &http.Client{Timeout: 15 * time.Second}}
}

func (c *HTTPPriceCalculator) CalculateMoney(ctx context.Context, productID, currency, month string, quantity int64) (Money, error) {
	q := url.Values{
		"product_id": {productID},
		"currency":   {currency},
		"month":      {month},
		"quantity":   {strconv.FormatInt(quantity, 10)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/calculate?"+q.Encode(), nil)
	if err != nil {
		return Money{}, fmt.Errorf("statement: build calculate: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return Money{}, fmt.Errorf("statement: calculate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Money{}, fmt.Errorf("statement: calculate: status %d", resp.StatusCode)
	}

	var m Money
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return Money{}, fmt.Errorf("statement: decode money: %w", err)
	}
	return m, nil
}

var _ PriceCalculator = (*HTTPPriceCalculator)(nil)

// HTTPUsageSource lists metered usage from the external usage service.
type HTTPUsageSource struct {
	base string
	hc   *http.Client
}

func NewHTTPUsageSource(baseURL string) *HTTPUsageSource {
	return &HTTPUsageSource{base: baseURL, hc: &http.Client{Timeout: 60 * time.Second}}
}

func (c *HTTPUsageSource) ListAccountUsage(ctx context.Context, month string) ([]AccountUsage, error) {
	q := url.Values{"month": {month}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/usage?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("statement: build usage request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("statement: list usage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("statement: list usage: status %d", resp.StatusCode)
	}

	var out struct {
		Accounts []AccountUsage `json:"accounts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("statement: decode usage: %w", err)
	}
	return out.Accounts, nil
}

var _ UsageSource = (*HTTPUsageSource)(nil)
