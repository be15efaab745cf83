package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/immxrtalbeast/sigstream/internal/domain"
)

var ErrInvalidToken = fmt.Errorf("%w: invalid host token", domain.ErrUnauthorized)

// HostClaims grant host rights over one room. They are not bound to a
// connection id so a host can rejoin after a reconnect.
type HostClaims struct {
	RoomID string `json:"room_id"`
	HostID string `json:"host_id"`
	jwt.RegisteredClaims
}

type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (i *TokenIssuer) Issue(roomID, hostID string) (string, error) {
	now := i.now()
	claims := HostClaims{
		RoomID: roomID,
		HostID: hostID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   roomID,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign host token: %w", err)
	}
	return signed, nil
}

// Verify parses tokenString and checks that it grants host rights on roomID.
func (i *TokenIssuer) Verify(tokenString, roomID string) (*HostClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &HostClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*HostClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.RoomID != roomID {
		return nil, fmt.Errorf("%w: token is for another room", domain.ErrUnauthorized)
	}
	return claims, nil
}
