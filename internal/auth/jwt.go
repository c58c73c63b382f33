package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Roles carried in tokens.
const (
	RoleMember = "member"
	// RoleElevated holds platform-admin rights (transfer without ownership,
	// audit history).
	RoleElevated = "elevated"
)

// Claims holds JWT claims: the platform user id of the caller and their role.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Elevated reports whether the caller holds platform-admin rights.
func (c *Claims) Elevated() bool { return c.Role == RoleElevated }

// JWTService handles token generation and validation.
type JWTService struct {
	secret      []byte
	expireHours int
	issuer      string
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int, issuer string) *JWTService {
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
		issuer:      issuer,
	}
}

// Generate creates a new JWT for the user. Tokens are normally minted by the
// bot front end; this is used by tooling and tests.
func (s *JWTService) Generate(userID, role string) (string, error) {
	if role == "" {
		role = RoleMember
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
