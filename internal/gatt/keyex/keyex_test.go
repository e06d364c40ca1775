package keyex

import (
	"bytes"
	"testing"
)

func pairedSessions(t *testing.T) (*Session, *Session) {
	t.Helper()
	a, err := NewSession()
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	b, err := NewSession()
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if err := a.Derive(b.PublicKey()); err != nil {
		t.Fatalf("a.Derive() error = %v", err)
	}
	if err := b.Derive(a.PublicKey()); err != nil {
		t.Fatalf("b.Derive() error = %v", err)
	}
	return a, b
}

func TestPublicKeyIsCompressedPoint(t *testing.T) {
	s, err := NewSession()
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	pub := s.PublicKey()
	if len(pub) != CompressedKeyLen {
		t.Errorf("public key length = %d, want %d", len(pub), CompressedKeyLen)
	}
	if pub[0] != 0x02 && pub[0] != 0x03 {
		t.Errorf("compression prefix = 0x%02x, want 0x02 or 0x03", pub[0])
	}
}

func TestBothSidesSealAndOpen(t *testing.T) {
	a, b := pairedSessions(t)

	challenge := []byte("challenge from the bracelet")
	blob, err := a.Seal(challenge)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	// nonce(12) + tag(16) + ciphertext
	if len(blob) != 12+16+len(challenge) {
		t.Errorf("blob length = %d, want %d", len(blob), 12+16+len(challenge))
	}

	plain, err := b.Open(blob)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(plain, challenge) {
		t.Errorf("Open() = %q, want %q", plain, challenge)
	}

	// And the reverse direction, since both ends derive the same key.
	blob, err = b.Seal([]byte("ack"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	plain, err = a.Open(blob)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(plain) != "ack" {
		t.Errorf("Open() = %q, want %q", plain, "ack")
	}
}

func TestOpenRejectsTamperedBlob(t *testing.T) {
	a, b := pairedSessions(t)
	blob, err := a.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	blob[len(blob)-1] ^= 0x01
	if _, err := b.Open(blob); err == nil {
		t.Error("Open() of a tampered blob should fail")
	}
}

func TestOpenRejectsWrongSession(t *testing.T) {
	a, _ := pairedSessions(t)
	_, c := pairedSessions(t)

	blob, err := a.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := c.Open(blob); err == nil {
		t.Error("Open() under a different session key should fail")
	}
}

func TestOpenRejectsShortBlob(t *testing.T) {
	_, b := pairedSessions(t)
	if _, err := b.Open(make([]byte, 27)); err == nil {
		t.Error("Open() of a blob shorter than nonce+tag should fail")
	}
}

func TestDeriveRejectsBadPeerKeys(t *testing.T) {
	s, err := NewSession()
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	if err := s.Derive(make([]byte, 32)); err == nil {
		t.Error("short peer key should be rejected")
	}
	uncompressed := make([]byte, CompressedKeyLen)
	uncompressed[0] = 0x04
	if err := s.Derive(uncompressed); err == nil {
		t.Error("uncompressed prefix should be rejected")
	}
	offCurve := make([]byte, CompressedKeyLen)
	offCurve[0] = 0x02
	for i := 1; i < len(offCurve); i++ {
		offCurve[i] = 0xFF
	}
	if err := s.Derive(offCurve); err == nil {
		t.Error("x coordinate off the curve should be rejected")
	}
}

func TestSealAndOpenRequireDerive(t *testing.T) {
	s, err := NewSession()
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if _, err := s.Seal([]byte("x")); err == nil {
		t.Error("Seal() before Derive() should fail")
	}
	if _, err := s.Open(make([]byte, 64)); err == nil {
		t.Error("Open() before Derive() should fail")
	}
}
