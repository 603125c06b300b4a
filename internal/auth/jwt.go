package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/grocer-orders/internal/domain/orderitem"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims represents JWT claims. Role and ActorID identify the buyer (user id)
// or the shop (shop id) the bearer acts as.
type Claims struct {
	ActorID int64  `json:"actor_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Actor returns the identity carried by the claims
func (c *Claims) Actor() orderitem.Actor {
	return orderitem.Actor{Role: orderitem.Role(c.Role), ID: c.ActorID}
}

// Expiry is the authenticated-until instant of the bearer
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// JWTService handles JWT token operations
type JWTService struct {
	secretKey         []byte
	accessTokenExpiry time.Duration
}

// NewJWTService creates a new JWT service
func NewJWTService(secretKey string, accessExpiry time.Duration) *JWTService {
	return &JWTService{
		secretKey:         []byte(secretKey),
		accessTokenExpiry: accessExpiry,
	}
}

// GenerateAccessToken creates a new access token for the actor. Token
// issuance belongs to the account service; this is used by tests and the
// dev token command.
func (s *JWTService) GenerateAccessToken(actor orderitem.Actor) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.accessTokenExpiry)

	claims := Claims{
		ActorID: actor.ID,
		Role:    string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   string(actor.Role) + ":" + strconv.FormatInt(actor.ID, 10),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", time.Time{}, err
	}

	return tokenString, expiresAt, nil
}

// ValidateAccessToken validates an access token and returns claims. Tokens
// without an expiry or with an unknown role are rejected.
func (s *JWTService) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secretKey, nil
	}, jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	role, err := orderitem.ParseRole(claims.Role)
	if err != nil || claims.ActorID <= 0 {
		return nil, ErrInvalidToken
	}
	claims.Role = string(role)

	return claims, nil
}
