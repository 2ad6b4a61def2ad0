package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPSyncer pushes profile state to the downstream consumer of suspension
// changes.
type HTTPSyncer struct {
	base string
	hc   *http.Client
}

func NewHTTPSyncer(baseURL string) *HTTPSyncer {
	return &HTTPSyncer{base: baseURL, hc: &http.Client{Timeout: 15 * time.Second}}
}

func (s *HTTPSyncer) SyncProfile(ctx context.Context, accountID string, state State, version int64) error {
	body, err := json.Marshal(map[string]any{
		"state":   state,
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("profile: encode sync: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		s.base+"/v1/accounts/"+url.PathEscape(accountID)+"/billing_state", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("profile: build sync: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.hc.Do(req)
	if err != nil {
		return fmt.Errorf("profile: sync: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("profile: sync: status %d", resp.StatusCode)
	}
	return nil
}

var _ Syncer = (*HTTPSyncer)(nil)
