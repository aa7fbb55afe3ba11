package authcore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpSecretBytes = 20

type totpManager struct {
	config MFAConfig
}

func newTOTPManager(cfg MFAConfig) *totpManager {
	return &totpManager{config: cfg}
}

func (m *totpManager) digits() otp.Digits {
	if m.config.Digits == 8 {
		return otp.DigitsEight
	}
	return otp.DigitsSix
}

// GenerateSecret mints a fresh TOTP secret and its otpauth provisioning URI
// for the given account label. The secret is returned in base32 and must be
// encrypted before persisting.
func (m *totpManager) GenerateSecret(account string) (string, string, error) {
	if m == nil {
		return "", "", ErrEngineNotReady
	}

	issuer := m.config.Issuer
	if issuer == "" {
		issuer = "authcore"
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      uint(m.config.Period),
		SecretSize:  totpSecretBytes,
		Digits:      m.digits(),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", err
	}

	return key.Secret(), key.URL(), nil
}

// VerifyCode reports whether code is valid for secret at now, accepting the
// configured number of adjacent time steps on either side.
func (m *totpManager) VerifyCode(secret, code string, now time.Time) (bool, error) {
	if m == nil {
		return false, ErrEngineNotReady
	}

	trimmed := strings.TrimSpace(code)
	if len(trimmed) != m.config.Digits || !isNumericString(trimmed) {
		return false, nil
	}
	if secret == "" {
		return false, errors.New("empty totp secret")
	}

	valid, err := totp.ValidateCustom(trimmed, secret, now, totp.ValidateOpts{
		Period:    uint(m.config.Period),
		Skew:      uint(m.config.Skew),
		Digits:    m.digits(),
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, err
	}
	return valid, nil
}

// EncryptSecret seals a base32 TOTP secret with AES-256-GCM under the
// configured cipher key. Returns ciphertext and the random nonce; both are
// persisted, neither is secret on its own.
func (m *totpManager) EncryptSecret(secret string) ([]byte, []byte, error) {
	gcm, err := m.cipher()
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	return gcm.Seal(nil, nonce, []byte(secret), nil), nonce, nil
}

// DecryptSecret reverses [totpManager.EncryptSecret].
func (m *totpManager) DecryptSecret(ciphertext, nonce []byte) (string, error) {
	gcm, err := m.cipher()
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (m *totpManager) cipher() (cipher.AEAD, error) {
	if len(m.config.SecretCipherKey) != 32 {
		return nil, errors.New("mfa secret cipher key not configured")
	}

	block, err := aes.NewCipher(m.config.SecretCipherKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func isNumericString(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
