package githubapp

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/flakeguard/flakeguard/internal/pkg/metrics"
)

const (
	// appJWTLifetime is the upstream maximum for app assertions.
	appJWTLifetime = 10 * time.Minute
	// appJWTBackdate absorbs clock skew between us and the upstream.
	appJWTBackdate = 60 * time.Second
	// tokenSafetyMargin is subtracted from the upstream's one-hour token
	// lifetime, giving an effective cache TTL of 55 minutes.
	tokenSafetyMargin = 5 * time.Minute

	tokenCacheSize = 1024
)

// InstallationToken is a short-lived token scoped to one installation.
type InstallationToken struct {
	Token         string            `json:"token"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Permissions   map[string]string `json:"permissions,omitempty"`
	RepoSelection string            `json:"repository_selection,omitempty"`
}

// Broker mints and caches installation tokens from the app-level RSA credential.
// Tokens are mint-on-miss and shared by all callers until expiry minus the
// safety margin; concurrent misses for the same installation are collapsed
// with singleflight. The broker never retries a mint; retry policy lives in
// the client.
type Broker struct {
	appID      int64
	privateKey *rsa.PrivateKey
	baseURL    string
	httpClient *http.Client

	cache *expirable.LRU[int64, *InstallationToken]
	group singleflight.Group
}

// NewBroker parses the PEM private key and prepares the token cache.
func NewBroker(appID int64, privateKeyPEM []byte, baseURL string) (*Broker, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse app private key: %w", err)
	}
	return &Broker{
		appID:      appID,
		privateKey: key,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      expirable.NewLRU[int64, *InstallationToken](tokenCacheSize, nil, time.Hour-tokenSafetyMargin),
	}, nil
}

// AppJWT returns a freshly signed RS256 app assertion. iat is backdated 60s;
// exp never exceeds the upstream's 10-minute ceiling.
func (b *Broker) AppJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-appJWTBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
		Issuer:    strconv.FormatInt(b.appID, 10),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return tok.SignedString(b.privateKey)
}

// InstallationToken returns a cached token for the installation, minting one
// on miss. A cached token close to expiry is treated as a miss.
func (b *Broker) InstallationToken(ctx context.Context, installationID int64) (*InstallationToken, error) {
	if tok, ok := b.cache.Get(installationID); ok {
		if time.Until(tok.ExpiresAt) > tokenSafetyMargin {
			metrics.TokenCacheHitsTotal.Inc()
			return tok, nil
		}
		b.cache.Remove(installationID)
	}

	key := strconv.FormatInt(installationID, 10)
	v, err, _ := b.group.Do(key, func() (interface{}, error) {
		// A concurrent caller may have populated the cache while we waited.
		if tok, ok := b.cache.Get(installationID); ok && time.Until(tok.ExpiresAt) > tokenSafetyMargin {
			return tok, nil
		}
		metrics.TokenCacheMissesTotal.Inc()
		tok, err := b.mint(ctx, installationID)
		if err != nil {
			return nil, err
		}
		b.cache.Add(installationID, tok)
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*InstallationToken), nil
}

func (b *Broker) mint(ctx context.Context, installationID int64) (*InstallationToken, error) {
	assertion, err := b.AppJWT()
	if err != nil {
		return nil, fmt.Errorf("failed to sign app assertion: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", b.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to mint installation token: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated:
		var tok InstallationToken
		if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
			return nil, fmt.Errorf("failed to decode token response: %w", err)
		}
		return &tok, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("installation %d: %w", installationID, ErrInstallationNotFound)
	default:
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "token mint failed"}
	}
}

// InstallationClient returns an authenticated client for the installation.
func (b *Broker) InstallationClient(ctx context.Context, installationID int64) (*Client, error) {
	tok, err := b.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	return NewClient(b.baseURL, tok.Token), nil
}
