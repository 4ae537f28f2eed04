package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticateRejectsMissingHeader(t *testing.T) {
	a := NewAuthenticator("s3cr3t")
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := a.Authenticate(r)
	require.Error(t, err)
}

func TestAuthenticateRejectsNonBearerHeader(t *testing.T) {
	a := NewAuthenticator("s3cr3t")
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic abcdef")
	_, err := a.Authenticate(r)
	require.Error(t, err)
}

func TestAuthenticateDevModeAcceptsAnyToken(t *testing.T) {
	a := NewAuthenticator("")
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer raw-user-id")
	userID, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "raw-user-id", string(userID))
}

func TestAuthenticateValidatesSignedToken(t *testing.T) {
	secret := "s3cr3t"
	a := NewAuthenticator(secret)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+signed)
	userID, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "user-42", string(userID))
}

func TestAuthenticateRejectsTokenSignedWithWrongSecret(t *testing.T) {
	a := NewAuthenticator("s3cr3t")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-42"},
	})
	signed, err := token.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+signed)
	_, err = a.Authenticate(r)
	require.Error(t, err)
}

func TestUserIDFromContextRoundTrips(t *testing.T) {
	ctx := withUserID(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "user-7")
	assert.Equal(t, "user-7", string(UserIDFromContext(ctx)))
}

func TestUserIDFromContextEmptyWhenUnset(t *testing.T) {
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	assert.Equal(t, "", string(UserIDFromContext(ctx)))
}
