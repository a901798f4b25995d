package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BekaChkhiro/Planflow-sub003/pkg/registry"
)

var ErrInvalidToken = errors.New("gate: invalid token")

// AppClaims is the JWT claims structure issued by the main application. The
// subject carries the user id.
type AppClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HMAC-signed bearer tokens sharing the main
// application's signing secret.
type JWTAuthenticator struct {
	secret []byte
}

var _ Authenticator = (*JWTAuthenticator)(nil)

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, credential string) (registry.Identity, error) {
	token, err := jwt.ParseWithClaims(credential, &AppClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		return registry.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return registry.Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok {
		return registry.Identity{}, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return registry.Identity{}, fmt.Errorf("%w: missing 'sub' claim", ErrInvalidToken)
	}

	return registry.Identity{UserID: claims.Subject, Email: claims.Email}, nil
}
