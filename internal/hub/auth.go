package hub

import (
	"errors"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the token claims the hub understands. Subject is the principal.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

var (
	errTokenRequired  = errors.New("token required")
	errInvalidToken   = errors.New("invalid token")
	errPrincipalMatch = errors.New("token subject does not match userId")
)

// identity is the result of binding a connection.
type identity struct {
	principal string
	roles     []string
}

// authenticator maps an auth payload to an identity.
type authenticator struct {
	secret       []byte
	requireToken bool
	admins       []string
}

func newAuthenticator(cfg Config) *authenticator {
	a := &authenticator{requireToken: cfg.RequireToken, admins: cfg.AdminUsers}
	if cfg.JWTSecret != "" {
		a.secret = []byte(cfg.JWTSecret)
	}
	return a
}

// authenticate trusts userID when no secret is configured. With a secret,
// a present token must verify and name the same subject.
func (a *authenticator) authenticate(userID, token string) (identity, error) {
	id := identity{principal: userID}

	switch {
	case token == "" && a.requireToken:
		return identity{}, errTokenRequired
	case token != "" && a.secret != nil:
		claims, err := a.validateToken(token)
		if err != nil {
			return identity{}, err
		}
		if claims.Subject != userID {
			return identity{}, errPrincipalMatch
		}
		id.roles = append(id.roles, claims.Roles...)
	}

	if slices.Contains(a.admins, userID) && !slices.Contains(id.roles, "admin") {
		id.roles = append(id.roles, "admin")
	}
	return id, nil
}

func (a *authenticator) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, errInvalidToken
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.Subject != "" {
		return claims, nil
	}
	return nil, errInvalidToken
}

// SignToken issues an HS256 token for principal. Used by the CLI and tests.
func SignToken(secret, principal string, roles ...string) (string, error) {
	claims := Claims{
		Roles:            roles,
		RegisteredClaims: jwt.RegisteredClaims{Subject: principal},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
