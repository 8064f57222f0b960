package mpesa

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.com/api/v1/webhooks/mpesa",
	})
	require.NoError(t, err)
	c.baseURL = baseURL
	c.submitBackoff = time.Millisecond
	return c
}

func TestNewClient_MissingCredentials(t *testing.T) {
	_, err := NewClient(Config{ConsumerKey: "key"})
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestAccessToken_SingleFlight(t *testing.T) {
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		expected := "Basic " + base64.StdEncoding.EncodeToString([]byte("key:secret"))
		assert.Equal(t, expected, r.Header.Get("Authorization"))
		assert.Equal(t, "client_credentials", r.URL.Query().Get("grant_type"))
		time.Sleep(100 * time.Millisecond) // hold the flight open so callers coalesce
		fmt.Fprint(w, `{"access_token":"tok-1","expires_in":"3599"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := c.AccessToken(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok-1", token)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), fetches.Load())

	// cache hit, no further exchange
	token, err := c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, int64(1), fetches.Load())
}

func TestAccessToken_RefreshesInsideSafetyMargin(t *testing.T) {
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := fetches.Add(1)
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":"3599"}`, n)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	current := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	token, err := c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	// still comfortably valid
	current = current.Add(30 * time.Minute)
	token, err = c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	// within 60s of expiry: treated as stale
	current = current.Add(29*time.Minute + 30*time.Second)
	token, err = c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)
	assert.Equal(t, int64(2), fetches.Load())
}

func TestAccessToken_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errorCode":"401.003.01"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrAuthFailed)
}
