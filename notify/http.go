package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPNotifier sends through the notification service's REST endpoint.
type HTTPNotifier struct {
	base string
	hc   *http.Client
}

func NewHTTPNotifier(baseURL string) *HTTPNotifier {
	return &HTTPNotifier{base: baseURL, hc: &http.Client{Timeout: 15 * time.Second}}
}

func (n *HTTPNotifier) Send(ctx context.Context, to, templateID string, data map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"to":       to,
		"template": templateID,
		"data":     data,
	})
	if err != nil {
		return fmt.Errorf("notify: encode send: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.base+"/v1/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build send: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.hc.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("notify: send: status %d", resp.StatusCode)
	}
	return nil
}

// HTTPDirectory resolves account contacts through the directory service.
type HTTPDirectory struct {
	base string
	hc   *http.Client
}

func NewHTTPDirectory(baseURL string) *HTTPDirectory {
	return &HTTPDirectory{base: baseURL, hc: &http.Client{Timeout: 15 * time.Second}}
}

func (d *HTTPDirectory) GetAccountContact(ctx context.Context, accountID string) (Contact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		d.base+"/v1/accounts/"+url.PathEscape(accountID)+"/contact", nil)
	if err != nil {
		return Contact{}, fmt.Errorf("notify: build contact lookup: %w", err)
	}

	resp, err := d.hc.Do(req)
	if err != nil {
		return Contact{}, fmt.Errorf("notify: contact lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Contact{}, fmt.Errorf("notify: contact lookup: status %d", resp.StatusCode)
	}

	var c Contact
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return Contact{}, fmt.Errorf("notify: decode contact: %w", err)
	}
	return c, nil
}

var (
	_ Notifier  = (*HTTPNotifier)(nil)
	_ Directory = (*HTTPDirectory)(nil)
)
