package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"schoolgate/internal/domain"
)

// Claims represents JWT payload.
type Claims struct {
	Role    string `json:"role"`
	ClassID string `json:"class_id,omitempty"`
	Name    string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Actor converts validated claims into the session the services expect.
func (c Claims) Actor() (domain.Actor, error) {
	role, ok := domain.ParseRole(c.Role)
	if !ok {
		return domain.Actor{}, errors.New("unknown role")
	}
	if c.Subject == "" {
		return domain.Actor{}, errors.New("missing subject")
	}
	return domain.Actor{UserID: c.Subject, Role: role, ClassID: c.ClassID, Name: c.Name}, nil
}

// Issue signs an access token for actor.
func Issue(actor domain.Actor, issuer, key string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Role:    string(actor.Role),
		ClassID: actor.ClassID,
		Name:    actor.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   actor.UserID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	return *claims, nil
}
