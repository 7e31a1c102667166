package auth

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(testSecret, "pulse", "pulse-api")
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	return v
}

func TestWeakSecretRejected(t *testing.T) {
	if _, err := NewValidator("short", "pulse", "pulse-api"); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestGenerateValidateRoundTrip(t *testing.T) {
	v := newTestValidator(t)
	tok := v.Generate("t1", RoleCustomer, time.Hour)

	claims, err := v.Validate(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.TenantID != "t1" || claims.Role != RoleCustomer {
		t.Errorf("claims = %+v", claims)
	}
}

func TestExpiredToken(t *testing.T) {
	v := newTestValidator(t)
	tok := v.Generate("t1", RoleCustomer, -time.Minute)

	if _, err := v.Validate(tok); err == nil {
		t.Error("expected expiry error")
	}
}

func TestTamperedToken(t *testing.T) {
	v := newTestValidator(t)
	tok := v.Generate("t1", RoleCustomer, time.Hour)

	parts := strings.Split(tok, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := v.Validate(tampered); err == nil {
		t.Error("tampered token validated")
	}
}

func TestWrongSecretRejected(t *testing.T) {
	v := newTestValidator(t)
	other, _ := NewValidator("ffffffffffffffffffffffffffffffff", "pulse", "pulse-api")
	tok := other.Generate("t1", RoleCustomer, time.Hour)

	if _, err := v.Validate(tok); err == nil {
		t.Error("token signed with other secret validated")
	}
}

func TestProvisionTokenHash(t *testing.T) {
	h := HashProvisionToken("salt", "device-token")

	if !VerifyProvisionToken("salt", "device-token", h) {
		t.Error("correct token rejected")
	}
	if VerifyProvisionToken("salt", "wrong", h) {
		t.Error("wrong token accepted")
	}
	if VerifyProvisionToken("other-salt", "device-token", h) {
		t.Error("wrong salt accepted")
	}
}
