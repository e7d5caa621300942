// Package auth acquires bearer tokens for outbound tenant and provisioning
// calls. Tokens are cached in an injected TTL cache keyed by kind and
// resource; concurrent refreshes are tolerated and at worst cost one
// redundant remote call.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"approvals/api/internal/tokencache"

	"github.com/rs/zerolog"
)

// Token kinds stored in the cache.
const (
	KindHMAC    = "hmac"
	KindNonHMAC = "nonhmac"
)

const acquireAttempts = 3

// Cache is the subset of the token cache the provider needs.
type Cache interface {
	Get(ctx context.Context, kind, resource string) (tokencache.Entry, bool, error)
	Put(ctx context.Context, kind, resource, token string, expiresAt time.Time) error
}

// Provider exchanges client credentials for bearer tokens.
type Provider struct {
	tokenURL     string
	clientID     string
	clientSecret string
	maxTTL       time.Duration
	cache        Cache
	client       *http.Client
	log          zerolog.Logger
	sleep        func(time.Duration)
}

// NewProvider builds a provider. maxTTL caps how long an acquired token stays
// cached, keeping the cached copy shorter-lived than the issuer's expiry; zero
// disables the cap.
func NewProvider(tokenURL, clientID, clientSecret string, maxTTL time.Duration, cache Cache, client *http.Client, log zerolog.Logger) *Provider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provider{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		maxTTL:       maxTTL,
		cache:        cache,
		client:       client,
		log:          log,
		sleep:        time.Sleep,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Error       string `json:"error"`
}

// Token returns a bearer token for the resource, from cache when possible.
func (p *Provider) Token(ctx context.Context, kind, resource string) (string, error) {
	if p.cache != nil {
		entry, ok, err := p.cache.Get(ctx, kind, resource)
		if err != nil {
			p.log.Warn().Err(err).Str("resource", resource).Msg("auth: token cache lookup failed")
		} else if ok {
			return entry.Token, nil
		}
	}

	token, expiresAt, err := p.acquire(ctx, resource)
	if err != nil {
		return "", err
	}
	if p.maxTTL > 0 && time.Until(expiresAt) > p.maxTTL {
		expiresAt = time.Now().Add(p.maxTTL)
	}

	if p.cache != nil {
		if err := p.cache.Put(ctx, kind, resource, token, expiresAt); err != nil {
			p.log.Warn().Err(err).Str("resource", resource).Msg("auth: token cache store failed")
		}
	}
	return token, nil
}

// acquire runs the client-credential exchange, retrying the transient
// temporarily_unavailable answer up to three times with a short sleep.
func (p *Provider) acquire(ctx context.Context, resource string) (string, time.Time, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
		"resource":      {resource},
	}

	var lastErr error
	for attempt := 1; attempt <= acquireAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return "", time.Time{}, fmt.Errorf("build token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := p.client.Do(req)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("token request: %w", err)
		}

		var body tokenResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if decodeErr != nil {
			return "", time.Time{}, fmt.Errorf("decode token response: %w", decodeErr)
		}

		if body.Error == "temporarily_unavailable" {
			lastErr = fmt.Errorf("token endpoint temporarily unavailable")
			p.log.Warn().Int("attempt", attempt).Str("resource", resource).Msg("auth: token endpoint busy, retrying")
			p.sleep(time.Duration(attempt) * time.Second)
			continue
		}
		if resp.StatusCode != http.StatusOK || body.AccessToken == "" {
			return "", time.Time{}, fmt.Errorf("token request failed: status=%d error=%s", resp.StatusCode, body.Error)
		}

		expiresIn := body.ExpiresIn
		if expiresIn <= 0 {
			expiresIn = 3600
		}
		return body.AccessToken, time.Now().Add(time.Duration(expiresIn) * time.Second), nil
	}
	return "", time.Time{}, fmt.Errorf("token request exhausted retries: %w", lastErr)
}
