package jwtauth

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/tutordesk/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	auth, err := New(Config{SecretKey: "secret", Issuer: "tutordesk"})
	require.NoError(t, err)

	token, err := auth.Issue("user-1", domain.RoleAdmin, time.Hour)
	require.NoError(t, err)

	userID, role, err := auth.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, domain.RoleAdmin, role)
}

func TestAuthenticator_Rejects(t *testing.T) {
	auth, err := New(Config{SecretKey: "secret", Issuer: "tutordesk"})
	require.NoError(t, err)

	sign := func(method jwt.SigningMethod, key any, claims Claims) string {
		t.Helper()
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := func() Claims {
		return Claims{
			Role: domain.RoleAdmin,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-1",
				Issuer:    "tutordesk",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noExpiry := valid()
	noExpiry.ExpiresAt = nil

	otherIssuer := valid()
	otherIssuer.Issuer = "someone-else"

	noSubject := valid()
	noSubject.Subject = ""

	badRole := valid()
	badRole.Role = "root"

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong key", sign(jwt.SigningMethodHS256, []byte("other"), valid())},
		{"wrong algorithm", sign(jwt.SigningMethodHS512, []byte("secret"), valid())},
		{"expired", sign(jwt.SigningMethodHS256, []byte("secret"), expired)},
		{"no expiry", sign(jwt.SigningMethodHS256, []byte("secret"), noExpiry)},
		{"other issuer", sign(jwt.SigningMethodHS256, []byte("secret"), otherIssuer)},
		{"no subject", sign(jwt.SigningMethodHS256, []byte("secret"), noSubject)},
		{"unknown role", sign(jwt.SigningMethodHS256, []byte("secret"), badRole)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := auth.ValidateToken(context.Background(), tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
