package security

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"threadrelay/internal/domain"
)

var testSalt = []byte("threadrelay-test-salt")

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer("passphrase", testSalt)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	plain := []byte(`{"role":"user","content":"hello"}`)

	sealed, err := s.Seal(plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) {
		t.Error("sealed value lacks prefix")
	}
	if bytes.Contains(sealed, []byte("hello")) {
		t.Error("sealed value contains plaintext")
	}

	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Open = %q, want %q", got, plain)
	}

	again, _ := s.Seal(plain)
	if bytes.Equal(again, sealed) {
		t.Error("two seals of the same value are identical")
	}
}

func TestSealerSharedKey(t *testing.T) {
	a, _ := NewSealer("passphrase", testSalt)
	b, _ := NewSealer("passphrase", testSalt)
	sealed, _ := a.Seal([]byte("x"))
	if got, err := b.Open(sealed); err != nil || string(got) != "x" {
		t.Errorf("second sealer Open = %q, %v", got, err)
	}
}

func TestSealerPlaintextPassthrough(t *testing.T) {
	s, _ := NewSealer("passphrase", testSalt)
	got, err := s.Open([]byte(`{"role":"user"}`))
	if err != nil || string(got) != `{"role":"user"}` {
		t.Errorf("Open(plain) = %q, %v", got, err)
	}
}

func TestSealerWrongKeyAndTampering(t *testing.T) {
	a, _ := NewSealer("one", testSalt)
	b, _ := NewSealer("two", testSalt)
	sealed, _ := a.Seal([]byte("secret"))

	if _, err := b.Open(sealed); !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("wrong key: err = %v, want ErrDecryption", err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := a.Open(tampered); !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("tampered: err = %v, want ErrDecryption", err)
	}

	if _, err := a.Open([]byte("trs1abc")); !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("short: err = %v, want ErrDecryption", err)
	}
}

func TestNewSealerRejectsBadInput(t *testing.T) {
	if _, err := NewSealer("", testSalt); err == nil {
		t.Error("expected error for empty passphrase")
	}
	if _, err := NewSealer("p", []byte("short")); err == nil {
		t.Error("expected error for short salt")
	}
}

func TestValidateFileURL(t *testing.T) {
	hosts := []string{"files.slack.com"}
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://files.slack.com/files-pri/T1-F1/cat.png", true},
		{"https://FILES.slack.com/x", true},
		{"https://eu.files.slack.com/x", true},
		{"http://files.slack.com/x", false},
		{"https://evil.com/files.slack.com", false},
		{"https://files.slack.com.evil.com/x", false},
		{"https://127.0.0.1/x", false},
		{"https:///x", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		err := ValidateFileURL(tt.url, hosts)
		if tt.ok && err != nil {
			t.Errorf("ValidateFileURL(%q) = %v, want nil", tt.url, err)
		}
		if !tt.ok && !errors.Is(err, domain.ErrUntrustedURL) {
			t.Errorf("ValidateFileURL(%q) = %v, want ErrUntrustedURL", tt.url, err)
		}
	}
}

func TestIsPrivateIP(t *testing.T) {
	for _, ip := range []string{"10.0.0.1", "172.16.0.1", "192.168.1.1", "127.0.0.1", "169.254.1.1", "::1", "::ffff:127.0.0.1"} {
		if !IsPrivateIP(net.ParseIP(ip)) {
			t.Errorf("IsPrivateIP(%s) = false, want true", ip)
		}
	}
	for _, ip := range []string{"8.8.8.8", "1.1.1.1", "2607:f8b0:4004:800::200e"} {
		if IsPrivateIP(net.ParseIP(ip)) {
			t.Errorf("IsPrivateIP(%s) = true, want false", ip)
		}
	}
}
