package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	mfaChallengeRecordVersion1 = 1
)

var (
	ErrMFAChallengeNotFound = errors.New("mfa challenge not found")
	ErrMFAChallengeExpired  = errors.New("mfa challenge expired")
	ErrMFAChallengeExceeded = errors.New("mfa challenge attempts exceeded")
	ErrMFAChallengeBackend  = errors.New("mfa challenge backend unavailable")
)

// MFAChallenge is the short-lived server-side record minted when a password
// login hits an MFA-enabled account. It carries everything needed to finish
// session creation after the second factor verifies.
type MFAChallenge struct {
	UserID    string
	Email     string
	Role      string
	ExpiresAt int64
	Attempts  uint16
}

type MFAChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewMFAChallengeStore(redisClient redis.UniversalClient, prefix string) *MFAChallengeStore {
	if prefix == "" {
		prefix = "amc"
	}
	return &MFAChallengeStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *MFAChallengeStore) key(challengeID string) string {
	return s.prefix + ":" + challengeID
}

func (s *MFAChallengeStore) Save(
	ctx context.Context,
	challengeID string,
	record *MFAChallenge,
	ttl time.Duration,
) error {
	encoded, err := encodeMFAChallenge(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(challengeID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrMFAChallengeBackend, err)
	}
	return nil
}

func (s *MFAChallengeStore) Get(ctx context.Context, challengeID string) (*MFAChallenge, error) {
	data, err := s.redis.Get(ctx, s.key(challengeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMFAChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrMFAChallengeBackend, err)
	}

	record, err := decodeMFAChallenge(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(challengeID)).Result()
		return nil, ErrMFAChallengeExpired
	}
	return record, nil
}

// Delete removes a challenge and reports whether it existed. The boolean is
// the single-use guard: the caller that observes deleted=false lost the race
// and must treat the challenge as already consumed.
func (s *MFAChallengeStore) Delete(ctx context.Context, challengeID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(challengeID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMFAChallengeBackend, err)
	}
	return n > 0, nil
}

// RecordAttempt increments the attempt counter with an optimistic WATCH
// transaction, before the submitted code is verified. When the counter
// reaches maxAttempts the challenge is deleted and exceeded=true is
// returned; that submission is rejected without verification.
func (s *MFAChallengeStore) RecordAttempt(
	ctx context.Context,
	challengeID string,
	maxAttempts int,
) (bool, error) {
	const maxRetries = 4
	key := s.key(challengeID)

	for i := 0; i < maxRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeMFAChallenge(data)
			if err != nil {
				return err
			}
			if time.Now().Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrMFAChallengeExpired
			}

			record.Attempts++
			if int(record.Attempts) >= maxAttempts {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return nil
			}

			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrMFAChallengeExpired
			}

			updated, err := encodeMFAChallenge(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, ErrMFAChallengeNotFound
			}
			if errors.Is(err, ErrMFAChallengeExpired) {
				return false, err
			}
			return false, fmt.Errorf("%w: %v", ErrMFAChallengeBackend, err)
		}
		return exceeded, nil
	}

	return false, ErrMFAChallengeNotFound
}

func encodeMFAChallenge(record *MFAChallenge) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(mfaChallengeRecordVersion1)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	if len(record.UserID) > 65535 || len(record.Email) > 65535 || len(record.Role) > 65535 {
		return nil, errors.New("mfa challenge field length exceeded")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.UserID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.UserID)
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.Email))); err != nil {
		return nil, err
	}
	buf.WriteString(record.Email)
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.Role))); err != nil {
		return nil, err
	}
	buf.WriteString(record.Role)

	return buf.Bytes(), nil
}

func decodeMFAChallenge(data []byte) (*MFAChallenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != mfaChallengeRecordVersion1 {
		return nil, errors.New("invalid mfa challenge version")
	}

	record := &MFAChallenge{}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	readString := func() (string, error) {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return "", err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(reader, b); err != nil {
			return "", err
		}
		return string(b), nil
	}

	if record.UserID, err = readString(); err != nil {
		return nil, err
	}
	if record.Email, err = readString(); err != nil {
		return nil, err
	}
	if record.Role, err = readString(); err != nil {
		return nil, err
	}

	return record, nil
}
