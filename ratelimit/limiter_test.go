package ratelimit

import "testing"

func TestBurstThenThrottle(t *testing.T) {
	l := New(10, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("t1/d1") {
			t.Fatalf("burst token %d denied", i)
		}
	}
	if l.Allow("t1/d1") {
		t.Error("expected denial after burst exhausted")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(10, 1)

	if !l.Allow("t1/d1") {
		t.Fatal("first key denied")
	}
	if !l.Allow("t1/d2") {
		t.Error("second key throttled by first key's bucket")
	}
	if !l.Allow("t2/d1") {
		t.Error("same device under other tenant throttled")
	}
}

func TestForget(t *testing.T) {
	l := New(10, 1)
	l.Allow("t1/d1")
	if l.Len() != 1 {
		t.Fatalf("len = %d", l.Len())
	}
	l.Forget("t1/d1")
	if l.Len() != 0 {
		t.Errorf("len after Forget = %d", l.Len())
	}
	// A fresh bucket grants a full burst again.
	if !l.Allow("t1/d1") {
		t.Error("fresh bucket denied")
	}
}
