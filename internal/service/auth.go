package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/birdtag/birdtag/internal/model"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingOwner = errors.New("token has no subject")
)

// Claims are the identity service's access-token claims. The subject is
// the owner id; email is optional.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// AuthService verifies HS256 access tokens and, for operators and tests,
// issues them.
type AuthService struct {
	jwtSecret string
	issuer    string
	jwtExpiry time.Duration
}

func NewAuthService(jwtSecret, issuer string, jwtExpiry time.Duration) *AuthService {
	return &AuthService{
		jwtSecret: jwtSecret,
		issuer:    issuer,
		jwtExpiry: jwtExpiry,
	}
}

func (s *AuthService) GenerateJWT(p model.Principal) (string, error) {
	if p.OwnerID == "" {
		return "", ErrMissingOwner
	}
	now := time.Now()
	claims := Claims{
		Email: p.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.OwnerID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// VerifyJWT checks signature, expiry and issuer and returns the caller.
func (s *AuthService) VerifyJWT(tokenString string) (model.Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	}, opts...)
	if err != nil {
		return model.Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return model.Principal{}, ErrInvalidToken
	}

	owner := strings.TrimSpace(claims.Subject)
	if owner == "" {
		return model.Principal{}, ErrMissingOwner
	}
	return model.Principal{OwnerID: owner, Email: strings.TrimSpace(claims.Email)}, nil
}
