package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xela07ax/fleet-relay/internal/domain"
)

var errNoOperator = errors.New("token has no operator id")

// OperatorValidator проверяет операторские токены консоли: только RS256, exp обязателен,
// issuer сверяется если задан в конфиге.
type OperatorValidator struct {
	key    *rsa.PublicKey
	parser *jwt.Parser
}

// NewOperatorValidator собирает парсер один раз, опции проверки не меняются между запросами
func NewOperatorValidator(key *rsa.PublicKey, issuer string, leeway time.Duration) *OperatorValidator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &OperatorValidator{key: key, parser: jwt.NewParser(opts...)}
}

// VerifyToken принимает токен как есть или с префиксом "Bearer "
func (v *OperatorValidator) VerifyToken(raw string) (*domain.CustomClaims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))

	claims := &domain.CustomClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, v.keyFunc); err != nil {
		return nil, fmt.Errorf("operator token: %w", err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("operator token: %w", errNoOperator)
	}
	return claims, nil
}

func (v *OperatorValidator) keyFunc(*jwt.Token) (interface{}, error) {
	return v.key, nil
}

// LoadOperatorKey разбирает PEM публичного ключа сервиса аутентификации
func LoadOperatorKey(pemData []byte) (*rsa.PublicKey, error) {
	if len(pemData) == 0 {
		return nil, errors.New("operator public key is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("operator public key: %w", err)
	}
	return key, nil
}
