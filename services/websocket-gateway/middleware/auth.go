package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken     = errors.New("missing authorization token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrUnknownPrincipal = errors.New("unknown principal")
	// ErrDirectoryUnavailable means the token was valid but the user could
	// not be looked up.
	ErrDirectoryUnavailable = errors.New("user directory unavailable")
)

// Identity resolves the authenticated user of an upgrade request.
type Identity interface {
	ResolvePrincipal(r *http.Request) (int64, error)
}

// Directory answers whether a user id exists.
type Directory interface {
	UserExists(ctx context.Context, userID int64) (bool, error)
}

// JWTIdentity validates HMAC-signed tokens carrying a user_id claim and checks
// the user against the directory.
type JWTIdentity struct {
	secret    []byte
	directory Directory
}

func NewJWTIdentity(secret string, directory Directory) *JWTIdentity {
	return &JWTIdentity{secret: []byte(secret), directory: directory}
}

func (j *JWTIdentity) ResolvePrincipal(r *http.Request) (int64, error) {
	// Extract token from Authorization header or query parameter (for WebSocket)
	tokenString := extractToken(r)
	if tokenString == "" {
		return 0, ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the alg is what we expect
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return j.secret, nil
	})
	if err != nil || !token.Valid {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, ErrInvalidToken
	}
	userID, err := userIDClaim(claims["user_id"])
	if err != nil {
		return 0, err
	}

	exists, err := j.directory.UserExists(r.Context(), userID)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to look up user %d: %v", ErrDirectoryUnavailable, userID, err)
	}
	if !exists {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPrincipal, userID)
	}
	return userID, nil
}

// userIDClaim accepts the id as a JSON number or a numeric string.
func userIDClaim(v interface{}) (int64, error) {
	switch id := v.(type) {
	case float64:
		if id != float64(int64(id)) {
			return 0, fmt.Errorf("%w: non-integer user_id", ErrInvalidToken)
		}
		return int64(id), nil
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: user_id %q", ErrInvalidToken, id)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: missing user_id claim", ErrInvalidToken)
	}
}

func extractToken(r *http.Request) string {
	// Try Authorization header first
	bearerToken := r.Header.Get("Authorization")
	if strings.HasPrefix(bearerToken, "Bearer ") {
		return strings.TrimPrefix(bearerToken, "Bearer ")
	}

	// For WebSocket connections, check query parameter
	return r.URL.Query().Get("token")
}
