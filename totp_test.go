package authcore

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func testMFAConfig() MFAConfig {
	cfg := defaultConfig().MFA
	cfg.SecretCipherKey = bytes.Repeat([]byte{0x42}, 32)
	return cfg
}

func TestGenerateSecret(t *testing.T) {
	m := newTOTPManager(testMFAConfig())

	secret, uri, err := m.GenerateSecret("alice@example.com")
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	if secret == "" {
		t.Fatal("empty secret")
	}
	if !strings.HasPrefix(uri, "otpauth://totp/") {
		t.Fatalf("uri = %q", uri)
	}
	if !strings.Contains(uri, "alice@example.com") {
		t.Fatalf("uri missing account: %q", uri)
	}

	// Two generations never collide.
	second, _, err := m.GenerateSecret("alice@example.com")
	if err != nil {
		t.Fatalf("second GenerateSecret: %v", err)
	}
	if second == secret {
		t.Fatal("secret reuse across generations")
	}
}

func TestVerifyCode(t *testing.T) {
	m := newTOTPManager(testMFAConfig())
	secret, _, err := m.GenerateSecret("alice@example.com")
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}

	now := time.Now()
	code, err := totp.GenerateCode(secret, now)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	ok, err := m.VerifyCode(secret, code, now)
	if err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}
	if !ok {
		t.Fatal("valid code rejected")
	}

	ok, err = m.VerifyCode(secret, "000000", now)
	if err != nil {
		t.Fatalf("VerifyCode wrong code: %v", err)
	}
	if ok {
		t.Fatal("wrong code accepted")
	}
}

// One step of clock skew on either side is tolerated; two is not.
func TestVerifyCodeSkewWindow(t *testing.T) {
	m := newTOTPManager(testMFAConfig())
	secret, _, err := m.GenerateSecret("alice@example.com")
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}

	now := time.Now()
	code, err := totp.GenerateCode(secret, now)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	for _, offset := range []time.Duration{-30 * time.Second, 30 * time.Second} {
		ok, err := m.VerifyCode(secret, code, now.Add(offset))
		if err != nil {
			t.Fatalf("VerifyCode at %v: %v", offset, err)
		}
		if !ok {
			t.Fatalf("code rejected at %v skew", offset)
		}
	}

	// Beyond the window the code is stale. Step across two full periods to
	// clear any boundary alignment.
	ok, err := m.VerifyCode(secret, code, now.Add(91*time.Second))
	if err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}
	if ok {
		t.Fatal("stale code accepted outside the skew window")
	}
}

func TestVerifyCodeRejectsMalformedInput(t *testing.T) {
	m := newTOTPManager(testMFAConfig())
	secret, _, err := m.GenerateSecret("alice@example.com")
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}

	for _, code := range []string{"", "12345", "1234567", "12345a", "abc def"} {
		ok, err := m.VerifyCode(secret, code, time.Now())
		if err != nil {
			t.Fatalf("code %q: %v", code, err)
		}
		if ok {
			t.Fatalf("malformed code %q accepted", code)
		}
	}
}

func TestEncryptDecryptSecret(t *testing.T) {
	m := newTOTPManager(testMFAConfig())

	ciphertext, nonce, err := m.EncryptSecret("JBSWY3DPEHPK3PXP")
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}
	if bytes.Contains(ciphertext, []byte("JBSWY3DPEHPK3PXP")) {
		t.Fatal("ciphertext contains plaintext")
	}

	plaintext, err := m.DecryptSecret(ciphertext, nonce)
	if err != nil {
		t.Fatalf("DecryptSecret: %v", err)
	}
	if plaintext != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("plaintext = %q", plaintext)
	}

	// Tampered ciphertext fails authentication.
	ciphertext[0] ^= 0xFF
	if _, err := m.DecryptSecret(ciphertext, nonce); err == nil {
		t.Fatal("tampered ciphertext decrypted")
	}
}

func TestEncryptSecretNonceUniqueness(t *testing.T) {
	m := newTOTPManager(testMFAConfig())

	_, nonce1, err := m.EncryptSecret("JBSWY3DPEHPK3PXP")
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}
	_, nonce2, err := m.EncryptSecret("JBSWY3DPEHPK3PXP")
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}
	if bytes.Equal(nonce1, nonce2) {
		t.Fatal("nonce reuse")
	}
}

func TestEncryptSecretWithoutKey(t *testing.T) {
	cfg := testMFAConfig()
	cfg.SecretCipherKey = nil
	m := newTOTPManager(cfg)

	if _, _, err := m.EncryptSecret("JBSWY3DPEHPK3PXP"); err == nil {
		t.Fatal("encryption without a key succeeded")
	}
}
