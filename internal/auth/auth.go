// Package auth validates connection credentials. The server treats auth as
// pluggable: a validator function chosen by configuration, with none, static
// token and JWT flavors.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is what a successful validation yields.
type Claims struct {
	Subject string
}

// TokenValidator checks one bearer token. An empty token is passed through
// as-is; validators decide whether that is acceptable.
type TokenValidator func(token string) (*Claims, error)

// NoAuth accepts every connection.
func NoAuth() TokenValidator {
	return func(string) (*Claims, error) {
		return &Claims{Subject: "anonymous"}, nil
	}
}

// Static accepts tokens from a fixed token-to-subject table.
func Static(tokens map[string]string) TokenValidator {
	return func(token string) (*Claims, error) {
		subject, ok := tokens[token]
		if !ok {
			return nil, ErrInvalidToken
		}
		return &Claims{Subject: subject}, nil
	}
}

// JWT validates HS256-signed tokens against secret.
func JWT(secret []byte) TokenValidator {
	return func(token string) (*Claims, error) {
		parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !parsed.Valid {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		subject, _ := parsed.Claims.GetSubject()
		if subject == "" {
			subject = "anonymous"
		}
		return &Claims{Subject: subject}, nil
	}
}
