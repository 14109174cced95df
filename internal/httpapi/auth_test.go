package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inventra/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				ID:        "6f1c2f0e-3d4b-4c1a-9a53-0f5c8e2d7b10",
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, store)
	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	require.NoError(t, err)

	users, err := store.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.NotEqual(t, "admin123", users[0].Password)
	assert.True(t, strings.HasPrefix(users[0].Password, "$2"), "expected bcrypt hash, got %s", users[0].Password)
	assert.Equal(t, 1, store.updates)
}

func TestTokenCarriesStaffIdentity(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"sale": {
				ID:       "9a7e4c1b-5b2d-4f6e-8c3a-1d2e3f4a5b6c",
				Username: "Sale",
				Password: "sale123",
				Role:     domain.RoleSale,
				Active:   true,
			},
		},
	}
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, store)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: " SALE ", Password: "sale123"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleSale, resp.Role)

	actor, err := manager.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "9a7e4c1b-5b2d-4f6e-8c3a-1d2e3f4a5b6c", actor.ID)
	assert.Equal(t, "sale", actor.Username)
	assert.Equal(t, domain.RoleSale, actor.Role)
}

func TestLoginRejectsInactiveAndUnknownAccounts(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"gone": {ID: "1", Username: "gone", Password: "gone1234", Role: domain.RoleSale, Active: false},
		},
	}
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, store)

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "gone", Password: "gone1234"})
	assert.Error(t, err)

	_, err = manager.Login(context.Background(), domain.LoginRequest{Username: "nobody", Password: "x"})
	assert.ErrorIs(t, err, errInvalidCredentials)

	_, err = manager.Login(context.Background(), domain.LoginRequest{Username: "gone", Password: "wrong"})
	assert.ErrorIs(t, err, errInvalidCredentials)
}

func TestParseTokenRejectsForeignAndExpiredTokens(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, nil)

	other := NewAuthManager(context.Background(), "another-secret", time.Hour, nil)
	foreign, err := other.sign("1", "admin", domain.RoleAdmin, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = manager.ParseToken(foreign)
	assert.Error(t, err)

	expired, err := manager.sign("1", "admin", domain.RoleAdmin, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = manager.ParseToken(expired)
	assert.Error(t, err)

	unsigned := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, staffClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{Subject: "1", Issuer: tokenIssuer},
		Role:             domain.RoleAdmin,
	})
	raw, err := unsigned.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = manager.ParseToken(raw)
	assert.Error(t, err)
}
