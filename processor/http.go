package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient talks to the payment gateway over its internal REST surface.
// Idempotency keys travel in the Idempotency-Key header.
type HTTPClient struct {
	base string
	hc   *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		base: baseURL,
		hc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path, idemKey string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("processor: encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return fmt.Errorf("processor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("processor: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		var payload struct {
			Code string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		switch payload.Code {
		case "no_payment_method":
			return ErrNoPaymentMethod
		case "transfers_disabled":
			return ErrTransfersDisabled
		}
		return fmt.Errorf("processor: %s %s: rejected (%s)", method, path, payload.Code)
	case resp.StatusCode >= 400:
		return fmt.Errorf("processor: %s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("processor: decode response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) CreateInvoice(ctx context.Context, customerID, idempotencyKey string) (Invoice, error) {
	var inv Invoice
	err := c.do(ctx, http.MethodPost, "/v1/invoices", idempotencyKey,
		map[string]string{"customer_id": customerID}, &inv)
	return inv, err
}

func (c *HTTPClient) AddInvoiceLine(ctx context.Context, invoiceID string, line InvoiceLine, idempotencyKey string) error {
	return c.do(ctx, http.MethodPost, "/v1/invoices/"+url.PathEscape(invoiceID)+"/lines", idempotencyKey, line, nil)
}

func (c *HTTPClient) FinalizeInvoice(ctx context.Context, invoiceID, idempotencyKey string) (Invoice, error) {
	var inv Invoice
	err := c.do(ctx, http.MethodPost, "/v1/invoices/"+url.PathEscape(invoiceID)+"/finalize", idempotencyKey, nil, &inv)
	return inv, err
}

func (c *HTTPClient) CreateTransfer(ctx context.Context, amount int64, currency, destination, idempotencyKey string) (Transfer, error) {
	var tr Transfer
	err := c.do(ctx, http.MethodPost, "/v1/transfers", idempotencyKey, map[string]any{
		"amount":      amount,
		"currency":    currency,
		"destination": destination,
	}, &tr)
	return tr, err
}

func (c *HTTPClient) RetrieveCustomer(ctx context.Context, id string) (Customer, error) {
	var cu Customer
	err := c.do(ctx, http.MethodGet, "/v1/customers/"+url.PathEscape(id), "", nil, &cu)
	return cu, err
}

func (c *HTTPClient) RetrievePaymentMethod(ctx context.Context, customerID, id string) (PaymentMethod, error) {
	var pm PaymentMethod
	err := c.do(ctx, http.MethodGet,
		"/v1/customers/"+url.PathEscape(customerID)+"/payment_methods/"+url.PathEscape(id), "", nil, &pm)
	return pm, err
}

func (c *HTTPClient) RetrieveConnectedAccount(ctx context.Context, id string) (ConnectedAccount, error) {
	var acct ConnectedAccount
	err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(id), "", nil, &acct)
	return acct, err
}

func (c *HTTPClient) CreateBalanceTransaction(ctx context.Context, customerID string, amount int64, currency, idempotencyKey string) (BalanceTransaction, error) {
	var bt BalanceTransaction
	err := c.do(ctx, http.MethodPost,
		"/v1/customers/"+url.PathEscape(customerID)+"/balance_transactions", idempotencyKey,
		map[string]any{"amount": amount, "currency": currency}, &bt)
	return bt, err
}

var _ PaymentProcessor = (*HTTPClient)(nil)
