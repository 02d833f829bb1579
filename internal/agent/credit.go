package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const creditCheckTimeout = 3 * time.Second

// CreditClient checks the hosting platform's credit balance before each
// LM call. Fail-closed: any transport or decode failure counts as not-ok.
type CreditClient struct {
	platformURL string
	userID      string
	client      *http.Client
}

func NewCreditClient(platformURL, userID string) *CreditClient {
	return &CreditClient{
		platformURL: strings.TrimRight(platformURL, "/"),
		userID:      userID,
		client:      &http.Client{Timeout: creditCheckTimeout},
	}
}

// Enabled reports whether credit checks are configured.
func (c *CreditClient) Enabled() bool {
	return c != nil && c.platformURL != "" && c.userID != ""
}

// Check returns (false, err) on any transport or decode failure and
// (ok, nil) when the platform answered.
func (c *CreditClient) Check(ctx context.Context) (bool, error) {
	url := fmt.Sprintf("%s/api/internal/credit-check/%s", c.platformURL, c.userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("credit check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("credit check returned %d", resp.StatusCode)
	}

	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("credit check decode: %w", err)
	}
	return body.OK, nil
}

// BillingURL returns the platform's upgrade page.
func (c *CreditClient) BillingURL() string {
	if c == nil || c.platformURL == "" {
		return "https://nanoclaw.app/billing"
	}
	return c.platformURL + "/billing"
}
