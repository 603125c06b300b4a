package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/grocer-orders/internal/domain/orderitem"
)

const testSecret = "test-secret-key-for-testing-purposes"

func newTestJWTService() *JWTService {
	return NewJWTService(testSecret, 15*time.Minute)
}

var testBuyer = orderitem.Actor{Role: orderitem.RoleBuyer, ID: 42}

func TestNewJWTService(t *testing.T) {
	service := newTestJWTService()
	assert.NotNil(t, service)
	assert.Equal(t, 15*time.Minute, service.accessTokenExpiry)
}

func TestJWTService_GenerateAccessToken_Success(t *testing.T) {
	service := newTestJWTService()

	token, expiresAt, err := service.GenerateAccessToken(testBuyer)

	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))
	assert.True(t, expiresAt.Before(time.Now().Add(16*time.Minute)))
}

func TestJWTService_ValidateAccessToken_Valid(t *testing.T) {
	service := newTestJWTService()
	shop := orderitem.Actor{Role: orderitem.RoleShop, ID: 7}

	token, expiresAt, err := service.GenerateAccessToken(shop)
	require.NoError(t, err)

	claims, err := service.ValidateAccessToken(token)

	require.NoError(t, err)
	assert.Equal(t, shop, claims.Actor())
	assert.Equal(t, "shop:7", claims.Subject)
	assert.WithinDuration(t, expiresAt, claims.Expiry(), time.Second)
}

func TestJWTService_ValidateAccessToken_Expired(t *testing.T) {
	service := NewJWTService(testSecret, -time.Minute)

	token, _, err := service.GenerateAccessToken(testBuyer)
	require.NoError(t, err)

	claims, err := service.ValidateAccessToken(token)

	assert.ErrorIs(t, err, ErrExpiredToken)
	assert.Nil(t, claims)
}

func TestJWTService_ValidateAccessToken_WrongSecret(t *testing.T) {
	token, _, err := newTestJWTService().GenerateAccessToken(testBuyer)
	require.NoError(t, err)

	other := NewJWTService("another-secret-key-for-testing-purposes", 15*time.Minute)
	_, err = other.ValidateAccessToken(token)

	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTService_ValidateAccessToken_Malformed(t *testing.T) {
	service := newTestJWTService()

	tests := []string{"", "not-a-token", "a.b.c"}
	for _, tok := range tests {
		_, err := service.ValidateAccessToken(tok)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", tok)
	}
}

func TestJWTService_ValidateAccessToken_RejectsNoneAlgorithm(t *testing.T) {
	service := newTestJWTService()

	claims := Claims{
		ActorID: 42,
		Role:    "buyer",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	tokenString, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = service.ValidateAccessToken(tokenString)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTService_ValidateAccessToken_UnknownRole(t *testing.T) {
	service := newTestJWTService()

	claims := Claims{
		ActorID: 1,
		Role:    "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = service.ValidateAccessToken(tokenString)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTService_ValidateAccessToken_NormalizesRole(t *testing.T) {
	service := newTestJWTService()

	claims := Claims{
		ActorID: 7,
		Role:    " Buyer",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	got, err := service.ValidateAccessToken(tokenString)
	require.NoError(t, err)
	assert.Equal(t, "buyer", got.Role)
	assert.Equal(t, orderitem.Actor{Role: orderitem.RoleBuyer, ID: 7}, got.Actor())
}

func TestJWTService_ValidateAccessToken_ExpiryRequired(t *testing.T) {
	service := newTestJWTService()

	claims := Claims{ActorID: 1, Role: "buyer"}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = service.ValidateAccessToken(tokenString)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
