package keychain

import (
	"testing"
)

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher("test-key")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	data := map[string]interface{}{"token": "abc123", "user": "etl"}
	sealed, err := c.Seal(data)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got["token"] != "abc123" || got["user"] != "etl" {
		t.Errorf("round trip: %v", got)
	}
}

func TestCipher_WrongKey(t *testing.T) {
	c1, _ := NewCipher("key-a")
	c2, _ := NewCipher("key-b")
	sealed, _ := c1.Seal(map[string]interface{}{"token": "x"})
	if _, err := c2.Open(sealed); err == nil {
		t.Error("Open with wrong key should fail")
	}
}

func TestCipher_EmptyKey(t *testing.T) {
	if _, err := NewCipher(""); err == nil {
		t.Error("empty key should be rejected")
	}
}

func TestCipher_TamperedCiphertext(t *testing.T) {
	c, _ := NewCipher("key")
	sealed, _ := c.Seal(map[string]interface{}{"token": "x"})
	sealed[len(sealed)-1] ^= 0xff
	if _, err := c.Open(sealed); err == nil {
		t.Error("tampered ciphertext should fail")
	}
}
