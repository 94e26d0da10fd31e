package hub

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt"
)

// ErrInvalidCredential is returned when a bearer token is missing,
// malformed or fails signature verification.
var ErrInvalidCredential = errors.New("invalid credential")

// Claims carries the identity extracted from a verified credential.
type Claims struct {
	UserID string
	Email  string
}

// CredentialVerifier validates a bearer credential before the
// connection upgrade completes.
type CredentialVerifier interface {
	Verify(token string) (Claims, error)
}

// JWTVerifier verifies HMAC-signed JWT bearer tokens. The token must
// carry a "sub" (or "user_id") claim identifying the owning user.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(tokenString string) (Claims, error) {
	if tokenString == "" {
		return Claims{}, ErrInvalidCredential
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, ErrInvalidCredential
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidCredential
	}

	claims := Claims{}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.UserID = sub
	}
	if claims.UserID == "" {
		if id, ok := mapClaims["user_id"].(string); ok {
			claims.UserID = id
		}
	}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}

	if claims.UserID == "" {
		return Claims{}, ErrInvalidCredential
	}
	return claims, nil
}
