package githubapp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func TestAppJWT(t *testing.T) {
	broker, err := NewBroker(12345, testKeyPEM(t), "https://api.example.com")
	require.NoError(t, err)

	signed, err := broker.AppJWT()
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	_, _, err = parser.ParseUnverified(signed, &claims)
	require.NoError(t, err)

	assert.Equal(t, "12345", claims.Issuer)
	require.NotNil(t, claims.IssuedAt)
	require.NotNil(t, claims.ExpiresAt)
	assert.True(t, claims.IssuedAt.Time.Before(time.Now()), "iat must be backdated")
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), claims.ExpiresAt.Time, time.Minute)
}

func TestInstallationTokenCaching(t *testing.T) {
	var mints atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/app/installations/42/access_tokens", r.URL.Path)
		mints.Add(1)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"token":"ghs_abc","expires_at":"` +
			time.Now().Add(time.Hour).UTC().Format(time.RFC3339) + `"}`))
	}))
	defer srv.Close()

	broker, err := NewBroker(1, testKeyPEM(t), srv.URL)
	require.NoError(t, err)

	tok1, err := broker.InstallationToken(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "ghs_abc", tok1.Token)

	tok2, err := broker.InstallationToken(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, tok1.Token, tok2.Token)
	assert.Equal(t, int64(1), mints.Load(), "second call must hit the cache")
}

func TestInstallationTokenNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	broker, err := NewBroker(1, testKeyPEM(t), srv.URL)
	require.NoError(t, err)

	_, err = broker.InstallationToken(context.Background(), 99)
	assert.ErrorIs(t, err, ErrInstallationNotFound)
}

func TestNewBrokerRejectsBadKey(t *testing.T) {
	_, err := NewBroker(1, []byte("not a key"), "https://api.example.com")
	assert.Error(t, err)
}
