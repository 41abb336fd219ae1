package backendtest

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// tokenManager signs and validates the HS256 access tokens the fake
// backend hands out, mirroring what the hosted service does server-side.
type tokenManager struct {
	secret string
	issuer string
}

func newTokenManager(secret string) *tokenManager {
	return &tokenManager{secret: secret, issuer: "stockroom-backendtest"}
}

func (tm *tokenManager) generate(userID, email string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			Issuer:    tm.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString([]byte(tm.secret))
}

func (tm *tokenManager) validate(tokenString string) (*claims, error) {
	c := &claims{}
	token, err := jwt.ParseWithClaims(tokenString, c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(tm.secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return c, nil
}
