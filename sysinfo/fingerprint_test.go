package sysinfo

import "testing"

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint()
	b := Fingerprint()
	if a != b {
		t.Errorf("fingerprint not stable across calls: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d (%q)", len(a), a)
	}
}
