package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer identifies this service in the iss claim.
const TokenIssuer = "idgate"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrSigning      = errors.New("token signing failed")
)

type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// TokenService mints and verifies bearer tokens for API consumers.
type TokenService struct {
	secret   []byte
	duration time.Duration
	now      func() time.Time
}

func NewTokenService(config *JWTConfig) *TokenService {
	duration := config.Expiration
	if duration <= 0 {
		duration = DefaultTokenDuration
	}
	return &TokenService{
		secret:   []byte(config.Secret),
		duration: duration,
		now:      time.Now,
	}
}

func (t *TokenService) Issue(user *User) (string, error) {
	if len(t.secret) == 0 {
		return "", fmt.Errorf("%w: empty secret", ErrSigning)
	}
	if user == nil {
		return "", fmt.Errorf("%w: missing user", ErrSigning)
	}

	now := t.now()
	claims := &Claims{
		UserID: user.ID.String(),
		Email:  user.Email,
		Name:   user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    TokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.duration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}

	return signedToken, nil
}

// Verify returns ErrInvalidToken for every failure: bad signature, malformed
// input, wrong algorithm or issuer, and expiry all look the same to callers.
func (t *TokenService) Verify(tokenString string) (*Claims, error) {
	if len(t.secret) == 0 || tokenString == "" {
		return nil, ErrInvalidToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Subject != claims.UserID {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
