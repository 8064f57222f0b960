package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// tokenSafetyMargin is subtracted from the advertised expiry to cover
// clock skew and in-flight request latency.
const tokenSafetyMargin = 60 * time.Second

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"` // Daraja sends seconds as a string, e.g. "3599"
}

// AccessToken returns the cached token, refreshing it when it is missing
// or within tokenSafetyMargin of expiry. Concurrent callers observing an
// expired token share a single network refresh.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if t, ok := c.cachedToken(); ok {
		return t, nil
	}
	v, err, _ := c.refreshGroup.Do("token", func() (interface{}, error) {
		// another caller may have refreshed while we queued
		if t, ok := c.cachedToken(); ok {
			return t, nil
		}
		token, expiresAt, err := c.fetchToken(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.token = token
		c.tokenExpiresAt = expiresAt
		c.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) cachedToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiresAt.Add(-tokenSafetyMargin)) {
		return c.token, true
	}
	return "", false
}

// invalidateToken drops the cached token so the next caller
// re-authenticates. Used after the gateway rejects a bearer token.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiresAt = time.Time{}
	c.mu.Unlock()
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", time.Time{}, fmt.Errorf("%w: status %d: %s", ErrAuthFailed, resp.StatusCode, string(body))
	}
	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if out.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty access_token", ErrAuthFailed)
	}
	ttl := 3599 * time.Second
	if secs, err := strconv.Atoi(out.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	return out.AccessToken, c.now().Add(ttl), nil
}
