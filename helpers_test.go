package authcore

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/riseplatform/authcore/password"
)

const (
	testEmail    = "alice@example.com"
	testUserID   = "user-1"
	testPassword = "correct-horse-42"
)

var (
	seedHashOnce sync.Once
	seedHash     string
)

// seedPasswordHash hashes testPassword once per test binary; bcrypt at cost
// 10 is still too slow to repeat per test.
func seedPasswordHash(t *testing.T) string {
	t.Helper()

	seedHashOnce.Do(func() {
		h, err := password.NewHasher(password.Config{Cost: 10, CurrentVersion: 1})
		if err != nil {
			t.Fatalf("seed hasher: %v", err)
		}
		seedHash, _, err = h.Hash(testPassword)
		if err != nil {
			t.Fatalf("seed hash: %v", err)
		}
	})
	return seedHash
}

// stubDirectory is an in-memory UserDirectory with injectable failures.
type stubDirectory struct {
	mu     sync.RWMutex
	users  map[string]UserRecord
	emails map[string]string
	roles  map[string][]Role
	mfa    map[string]*MFARecord
	backup map[string][]BackupCodeRecord
	active map[string]Role

	rolesErr error
	userErr  error
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{
		users:  make(map[string]UserRecord),
		emails: make(map[string]string),
		roles:  make(map[string][]Role),
		mfa:    make(map[string]*MFARecord),
		backup: make(map[string][]BackupCodeRecord),
		active: make(map[string]Role),
	}
}

func (d *stubDirectory) putUser(u UserRecord, roles ...Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.UserID] = u
	d.emails[u.Email] = u.UserID
	d.roles[u.UserID] = roles
}

func (d *stubDirectory) GetUserByEmail(_ context.Context, email string) (UserRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.userErr != nil {
		return UserRecord{}, d.userErr
	}
	id, ok := d.emails[email]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return d.users[id], nil
}

func (d *stubDirectory) GetUserByID(_ context.Context, userID string) (UserRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.userErr != nil {
		return UserRecord{}, d.userErr
	}
	u, ok := d.users[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return u, nil
}

func (d *stubDirectory) GetRoles(_ context.Context, userID string) ([]Role, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.rolesErr != nil {
		return nil, d.rolesErr
	}
	return append([]Role(nil), d.roles[userID]...), nil
}

func (d *stubDirectory) UpdatePasswordHash(_ context.Context, userID, newHash string, hashVersion int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = newHash
	u.HashVersion = hashVersion
	d.users[userID] = u
	return nil
}

func (d *stubDirectory) SaveActiveContext(_ context.Context, userID string, role Role) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active[userID] = role
	return nil
}

func (d *stubDirectory) GetMFA(_ context.Context, userID string) (*MFARecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	record, ok := d.mfa[userID]
	if !ok {
		return nil, nil
	}
	out := *record
	return &out, nil
}

func (d *stubDirectory) SaveMFASecret(_ context.Context, userID string, encryptedSecret, nonce []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mfa[userID] = &MFARecord{
		EncryptedSecret: encryptedSecret,
		Nonce:           nonce,
	}
	return nil
}

func (d *stubDirectory) EnableMFA(_ context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	record, ok := d.mfa[userID]
	if !ok {
		return errors.New("mfa record not found")
	}
	record.Enabled = true
	record.Verified = true
	record.VerifiedAt = time.Now().Unix()

	u := d.users[userID]
	u.MFAEnabled = true
	d.users[userID] = u
	return nil
}

func (d *stubDirectory) DisableMFA(_ context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.mfa, userID)
	u := d.users[userID]
	u.MFAEnabled = false
	d.users[userID] = u
	return nil
}

func (d *stubDirectory) GetBackupCodes(_ context.Context, userID string) ([]BackupCodeRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]BackupCodeRecord(nil), d.backup[userID]...), nil
}

func (d *stubDirectory) ReplaceBackupCodes(_ context.Context, userID string, codes []BackupCodeRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backup[userID] = codes
	return nil
}

func (d *stubDirectory) ConsumeBackupCode(_ context.Context, userID string, hash [32]byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	codes := d.backup[userID]
	for i := range codes {
		if codes[i].Hash == hash {
			if codes[i].Used {
				return false, nil
			}
			codes[i].Used = true
			return true, nil
		}
	}
	return false, nil
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Password.Cost = 10
	cfg.MFA.SecretCipherKey = bytes.Repeat([]byte{0x42}, 32)
	return cfg
}

func newTestEngine(t *testing.T, mutate ...func(*Config)) (*Engine, *stubDirectory, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	dir := newStubDirectory()
	eng, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithUserDirectory(dir).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(eng.Close)

	return eng, dir, mr
}

// newTestEngineWithSink builds an engine with the audit trail enabled and
// wired to sink.
func newTestEngineWithSink(t *testing.T, sink AuditSink) (*Engine, *stubDirectory, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := testConfig()
	cfg.Audit.Enabled = true

	dir := newStubDirectory()
	eng, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithUserDirectory(dir).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(eng.Close)

	return eng, dir, mr
}

func seedActiveUser(t *testing.T, dir *stubDirectory, roles ...Role) UserRecord {
	t.Helper()

	u := UserRecord{
		UserID:       testUserID,
		Email:        testEmail,
		Name:         "Alice",
		PasswordHash: seedPasswordHash(t),
		HashVersion:  1,
		Status:       AccountActive,
	}
	dir.putUser(u, roles...)
	return u
}

func mustLogin(t *testing.T, eng *Engine, preferredRole Role) *LoginResult {
	t.Helper()

	result, err := eng.Login(context.Background(), testEmail, testPassword, preferredRole)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.MFARequired {
		t.Fatal("unexpected MFA challenge during helper login")
	}
	return result
}

// enableTOTPDirect provisions an enabled TOTP record for the user without
// going through the setup flow. Returns the base32 secret for code minting.
func enableTOTPDirect(t *testing.T, eng *Engine, dir *stubDirectory, userID string) string {
	t.Helper()

	secret, _, err := eng.totp.GenerateSecret(testEmail)
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	encrypted, nonce, err := eng.totp.EncryptSecret(secret)
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}

	dir.mu.Lock()
	dir.mfa[userID] = &MFARecord{
		EncryptedSecret: encrypted,
		Nonce:           nonce,
		Enabled:         true,
		Verified:        true,
		VerifiedAt:      time.Now().Unix(),
	}
	u := dir.users[userID]
	u.MFAEnabled = true
	dir.users[userID] = u
	dir.mu.Unlock()

	return secret
}
