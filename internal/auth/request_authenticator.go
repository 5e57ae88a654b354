package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingRequestToken = errors.New("request authenticator: token required")
	ErrInvalidRequestToken = errors.New("request authenticator: invalid token")
	ErrExpiredRequestToken = errors.New("request authenticator: token expired")
)

const accessTokenQueryParameter = "access_token"

// TokenValidator validates a session token string.
type TokenValidator interface {
	ValidateToken(tokenString string) (Claims, error)
}

// RequestAuthenticator resolves the caller identity from an HTTP request. It
// accepts a bearer Authorization header or, for EventSource connections that
// cannot set headers, an access_token query parameter.
type RequestAuthenticator struct {
	validator TokenValidator
}

// NewRequestAuthenticator constructs the authenticator.
func NewRequestAuthenticator(validator TokenValidator) (*RequestAuthenticator, error) {
	if validator == nil {
		return nil, errors.New("request authenticator: token validator required")
	}
	return &RequestAuthenticator{validator: validator}, nil
}

// Authenticate extracts and validates the session token from the request.
func (a *RequestAuthenticator) Authenticate(r *http.Request) (Claims, error) {
	if r == nil {
		return Claims{}, ErrMissingRequestToken
	}
	token := tokenFromRequest(r)
	if token == "" {
		return Claims{}, ErrMissingRequestToken
	}

	claims, err := a.validator.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredRequestToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidRequestToken, err)
	}
	return claims, nil
}

func tokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get(accessTokenQueryParameter))
}
