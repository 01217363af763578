// Package admintoken — подписанные токены админ-сессии (HS256).
// Отдельный домен доверия: устройства таких токенов не получают.
// Без refresh и без revocation — токен живёт до истечения exp.
package admintoken

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const TypeAdminSession = "admin_session"

// SessionClaims — полезная нагрузка токена админ-сессии.
type SessionClaims struct {
	TokenType string `json:"type"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	jwt.RegisteredClaims
}

// Issue — выпустить токен с iat/exp.
func Issue(secret, ip, userAgent string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := SessionClaims{
		TokenType: TypeAdminSession,
		IP:        ip,
		UserAgent: userAgent,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Verify — возвращает claims либо nil: битая структура, неверная подпись,
// истёкший exp и чужой type — всё одинаково nil, без ошибки.
func Verify(secret, tokenString string) *SessionClaims {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || claims.TokenType != TypeAdminSession {
		return nil
	}
	return claims
}
