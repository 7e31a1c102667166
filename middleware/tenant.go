package middleware

import (
	"context"
	"fmt"
)

// ContextKey is a strict type for context keys to prevent collisions.
type ContextKey string

const (
	// TenantKey is the context key for the tenant ID.
	TenantKey ContextKey = "tenant_id"
	// RoleKey is the context key for the caller role.
	RoleKey ContextKey = "role"
)

// TenantFromContext retrieves the tenant ID placed by AuthMiddleware.
// A missing tenant is an error, never an implicit default: downstream
// queries fail closed.
func TenantFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(TenantKey)
	if val == nil {
		return "", fmt.Errorf("tenant_id not found in context")
	}
	tenantID, ok := val.(string)
	if !ok || tenantID == "" {
		return "", fmt.Errorf("tenant_id in context is empty")
	}
	return tenantID, nil
}

// RoleFromContext retrieves the caller role.
func RoleFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(RoleKey)
	if val == nil {
		return "", fmt.Errorf("role not found in context")
	}
	role, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("role in context is not a string")
	}
	return role, nil
}
