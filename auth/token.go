// Package auth validates service bearer tokens and hashes device
// provisioning tokens. OIDC issuance and key rotation live outside the
// pipeline; this package only reads the validated claims it needs:
// tenant_id and role.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Claims carried by a validated bearer token.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	// Standard claims
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
}

const (
	RoleCustomer = "customer"
	RoleOperator = "operator"
)

// Validator checks HS256 tokens against a shared secret.
type Validator struct {
	secret   []byte
	issuer   string
	audience string
}

// NewValidator requires a secret of at least 32 bytes. A weak secret is a
// startup error, not a warning.
func NewValidator(secret, issuer, audience string) (*Validator, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth: token secret must be at least 32 bytes")
	}
	return &Validator{secret: []byte(secret), issuer: issuer, audience: audience}, nil
}

// Validate parses and verifies a token string, returning its claims.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, errors.New("invalid token format")
	}

	signed := parts[0] + "." + parts[1]
	sig := computeHMAC(signed, v.secret)
	if subtle.ConstantTimeCompare([]byte(sig), []byte(parts[2])) != 1 {
		return nil, errors.New("invalid signature")
	}

	claimsJSON, err := base64UrlDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode claims: %v", err)
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claims: %v", err)
	}

	now := time.Now().Unix()
	if now > claims.ExpiresAt {
		return nil, errors.New("token expired")
	}
	if claims.Issuer != v.issuer {
		return nil, errors.New("invalid issuer")
	}
	if claims.Audience != v.audience {
		return nil, errors.New("invalid audience")
	}
	if claims.TenantID == "" {
		return nil, errors.New("token missing tenant_id claim")
	}
	return &claims, nil
}

// Generate creates a signed token. Used by provisioning tooling and tests.
func (v *Validator) Generate(tenantID, role string, ttl time.Duration) string {
	now := time.Now().Unix()
	claims := Claims{
		TenantID:  tenantID,
		Role:      role,
		Issuer:    v.issuer,
		Audience:  v.audience,
		ExpiresAt: now + int64(ttl.Seconds()),
		IssuedAt:  now,
	}
	header, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	body, _ := json.Marshal(claims)
	signed := base64UrlEncode(header) + "." + base64UrlEncode(body)
	return signed + "." + computeHMAC(signed, v.secret)
}

// HashProvisionToken derives the stored hash for a device provisioning
// token. The registry holds only this hash; the raw token exists on the
// device alone.
func HashProvisionToken(salt, token string) string {
	h := sha256.Sum256([]byte(salt + ":" + token))
	return hex.EncodeToString(h[:])
}

// VerifyProvisionToken compares a presented token against the stored hash
// in constant time.
func VerifyProvisionToken(salt, token, storedHash string) bool {
	computed := HashProvisionToken(salt, token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

func computeHMAC(message string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(message))
	return base64UrlEncode(h.Sum(nil))
}

func base64UrlEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64UrlDecode(data string) ([]byte, error) {
	if l := len(data) % 4; l > 0 {
		data += strings.Repeat("=", 4-l)
	}
	return base64.URLEncoding.DecodeString(data)
}
