package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims токен оператора (выпускается внешним сервисом аутентификации)
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "deployments.write": true, "agents.command": true
	jwt.RegisteredClaims
}

const (
	ScopeDeploymentsRead  = "deployments.read"
	ScopeDeploymentsWrite = "deployments.write"
	ScopeAgentsCommand    = "agents.command"
	ScopeAdmin            = "admin"
)

// HasScope admin покрывает все права
func (c *CustomClaims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	return c.Scopes[ScopeAdmin] || c.Scopes[scope]
}
