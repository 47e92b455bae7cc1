package auth

import (
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
)

// RS256Validator проверяет подпись токенов Control API. Ключ асимметричный:
// приватной частью подписывает только auth-сервис, валидатору достаточно
// публичной.
type RS256Validator struct {
	publicKey *rsa.PublicKey
}

func NewRS256Validator(pubKey *rsa.PublicKey) *RS256Validator {
	return &RS256Validator{publicKey: pubKey}
}

// VerifyToken реализует TokenValidator для JWT-миддлвари.
// Алгоритм зашит: токен с не-RSA подписью отбрасывается до проверки ключа,
// подмена alg на none или HMAC не проходит.
func (v *RS256Validator) VerifyToken(tokenStr string) (*domain.CustomClaims, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))

	token, err := jwt.ParseWithClaims(raw, &domain.CustomClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*domain.CustomClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}
	return claims, nil
}

// ParseRSAPublicKey читает PEM публичного ключа (проверка подписи).
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// ParseRSAPrivateKey читает PEM приватного ключа (подпись токенов в auth-сервисе).
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
