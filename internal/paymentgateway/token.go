package paymentgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cast"
	"golang.org/x/sync/singleflight"

	"github.com/frahmantamala/mpesa-payments/internal"
	gatewaytypes "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/paymentgateway"
)

const defaultTokenTTL = 3599 * time.Second

// tokenCache is owned by a single Client. Reads take the read lock; refreshes
// are coalesced through the singleflight group so at most one exchange is in
// flight at a time.
type tokenCache struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	group     singleflight.Group
}

func (t *tokenCache) get(now time.Time) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.token == "" || !now.Before(t.expiresAt) {
		return "", false
	}
	return t.token, true
}

func (t *tokenCache) set(token string, expiresAt time.Time) {
	t.mu.Lock()
	t.token = token
	t.expiresAt = expiresAt
	t.mu.Unlock()
}

// invalidate drops the cached token if it is still the one that was rejected.
func (t *tokenCache) invalidate(token string) {
	t.mu.Lock()
	if t.token == token {
		t.token = ""
		t.expiresAt = time.Time{}
	}
	t.mu.Unlock()
}

// GetAccessToken returns a bearer token for the Daraja API, exchanging the
// consumer credentials when the cached one is missing or about to expire.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	if token, ok := c.tokens.get(c.now()); ok {
		return token, nil
	}

	ch := c.tokens.group.DoChan("access_token", func() (interface{}, error) {
		if token, ok := c.tokens.get(c.now()); ok {
			return token, nil
		}

		// the exchange is shared by every waiter, so one caller giving up must not cancel it
		rctx, cancel := internal.Detached(ctx, c.cfg.Timeout)
		defer cancel()

		token, ttl, err := c.exchangeCredentials(rctx)
		if err != nil {
			return "", err
		}

		lifetime := ttl - c.cfg.TokenSafetyMargin
		if lifetime <= 0 {
			lifetime = ttl / 2
		}
		c.tokens.set(token, c.now().Add(lifetime))

		c.logger.Debug("gateway access token refreshed", "expires_in", ttl.String(), "cached_for", lifetime.String())
		return token, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", internal.NewGatewayAuthError("gave up waiting for gateway access token", ctx.Err())
	}
}

func (c *Client) exchangeCredentials(ctx context.Context) (string, time.Duration, error) {
	url := c.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, internal.NewGatewayAuthError("failed to build token request", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("gateway token exchange failed", "error", err)
		return "", 0, internal.NewGatewayAuthError("gateway token exchange failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", 0, internal.NewGatewayAuthError("failed to read token response", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("gateway token exchange rejected", "status_code", resp.StatusCode)
		return "", 0, internal.NewGatewayAuthError("gateway token exchange rejected", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}

	var tr gatewaytypes.TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, internal.NewGatewayAuthError("failed to decode token response", err)
	}
	if tr.AccessToken == "" {
		return "", 0, internal.NewGatewayAuthError("gateway returned an empty access token", nil)
	}

	// Daraja sends expires_in as a quoted number
	ttl := defaultTokenTTL
	if secs, err := cast.ToInt64E(tr.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}

	return tr.AccessToken, ttl, nil
}
