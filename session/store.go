package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable is an exported constant or variable used by the authentication engine.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrTokenHashMismatch is returned when the presented refresh hash matches
// neither the current nor the previous generation.
var ErrTokenHashMismatch = errors.New("refresh hash mismatch")

// ErrPrevTokenReuse is returned when the presented refresh hash matches the
// immediately superseded generation. See [ReuseError] for the affected user.
var ErrPrevTokenReuse = errors.New("superseded refresh token reused")

// ErrSessionNotFound is returned when the rotation target session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExpired is returned when the rotation target session is expired.
var ErrSessionExpired = errors.New("session expired")

// ErrSessionCorrupt is returned when a stored session blob cannot be parsed.
var ErrSessionCorrupt = errors.New("session blob corrupt")

// ErrRoleConflict is returned when an active-role update lost its CAS race
// too many times.
var ErrRoleConflict = errors.New("active role update conflict")

// ReuseError carries the owning user of a session whose superseded refresh
// token was replayed. errors.Is(err, ErrPrevTokenReuse) matches it.
type ReuseError struct {
	UserID string
}

func (e *ReuseError) Error() string { return "superseded refresh token reused" }

func (e *ReuseError) Is(target error) bool { return target == ErrPrevTokenReuse }

const (
	rotateStatusNotFound    int64 = 0
	rotateStatusExpired     int64 = 1
	rotateStatusMismatch    int64 = 2
	rotateStatusRotated     int64 = 3
	rotateStatusInvalidBlob int64 = 4
	rotateStatusPrevReuse   int64 = 5
)

const deleteSessionScript = `
local existed = redis.call("EXISTS", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

const rotateTokensScript = `
local function read_be64(s, i)
  local b1 = string.byte(s, i)
  local b2 = string.byte(s, i + 1)
  local b3 = string.byte(s, i + 2)
  local b4 = string.byte(s, i + 3)
  local b5 = string.byte(s, i + 4)
  local b6 = string.byte(s, i + 5)
  local b7 = string.byte(s, i + 6)
  local b8 = string.byte(s, i + 7)
  if not b8 then
    return nil
  end
  return ((((((((b1 * 256) + b2) * 256 + b3) * 256 + b4) * 256 + b5) * 256 + b6) * 256 + b7) * 256 + b8)
end

local function write_be64(n)
  local bytes = {}
  for i = 8, 1, -1 do
    bytes[i] = n % 256
    n = math.floor(n / 256)
  end
  return string.char(unpack(bytes))
end

local function parse_session(data)
  local version = string.byte(data, 1)
  if version ~= 1 then
    return nil
  end

  local idx = 2
  local user_len = string.byte(data, idx)
  if not user_len then
    return nil
  end
  idx = idx + 1
  if #data < idx + user_len - 1 then
    return nil
  end
  local user_id = string.sub(data, idx, idx + user_len - 1)
  idx = idx + user_len

  local role_len = string.byte(data, idx)
  if not role_len then
    return nil
  end
  idx = idx + 1 + role_len

  if #data < idx + 191 then
    return nil
  end

  local refresh_hash = string.sub(data, idx + 32, idx + 63)
  local prev_hash = string.sub(data, idx + 64, idx + 95)
  local expires_at = read_be64(data, idx + 112)
  if not expires_at then
    return nil
  end

  return {
    user_id = user_id,
    refresh_hash = refresh_hash,
    prev_hash = prev_hash,
    expires_at = expires_at,
    fixed_offset = idx
  }
end

local session_key = KEYS[1]
local session_id = ARGV[1]
local user_prefix = ARGV[2]
local provided_hash = ARGV[3]
local next_access_hash = ARGV[4]
local next_refresh_hash = ARGV[5]
local now_unix = tonumber(ARGV[6])
local access_expires_at = tonumber(ARGV[7])

local data = redis.call("GET", session_key)
if not data then
  return {0}
end

local parsed = parse_session(data)
if not parsed or not parsed.user_id then
  return {4}
end

local user_key = user_prefix .. parsed.user_id

if parsed.expires_at <= now_unix then
  redis.call("DEL", session_key)
  redis.call("SREM", user_key, session_id)
  return {1}
end

if parsed.prev_hash == provided_hash then
  return {5, parsed.user_id}
end

if parsed.refresh_hash ~= provided_hash then
  return {2}
end

local ttl = redis.call("PTTL", session_key)
if ttl <= 0 then
  redis.call("DEL", session_key)
  redis.call("SREM", user_key, session_id)
  return {1}
end

local fo = parsed.fixed_offset
local prefix = string.sub(data, 1, fo - 1)
local created = string.sub(data, fo + 104, fo + 111)
local expires = string.sub(data, fo + 112, fo + 119)
local bindings = string.sub(data, fo + 128)

local updated = prefix
  .. next_access_hash
  .. next_refresh_hash
  .. parsed.refresh_hash
  .. write_be64(access_expires_at)
  .. created
  .. expires
  .. write_be64(now_unix)
  .. bindings

redis.call("SET", session_key, updated, "PX", ttl)
redis.call("SADD", user_key, session_id)

return {3, updated}
`

var rotateTokensLua = redis.NewScript(rotateTokensScript)

// Store is a Redis-backed session store that handles persistence,
// expiration, and atomic access+refresh token rotation.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix sets the Redis key namespace.
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "as"
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

// All key families derive from the configured prefix so two stores with
// distinct prefixes on one Redis never share state.
func (s *Store) userKeyPrefix() string {
	return s.prefix + ":u:"
}

func (s *Store) userKey(userID string) string {
	return s.userKeyPrefix() + userID
}

func (s *Store) replayKey(sessionID string) string {
	return s.prefix + ":rp:" + sessionID
}

// Save persists a [Session] to Redis with the given TTL and indexes it in
// the owner's session set.
func (s *Store) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	sessionKey := s.key(sess.SessionID)
	userKey := s.userKey(sess.UserID)

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey, data, ttl)
		pipe.SAdd(ctx, userKey, sess.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// Get retrieves a session by ID. An expired session is deleted and reported
// as redis.Nil.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, errors.Join(ErrSessionCorrupt, err)
	}
	sess.SessionID = sessionID

	if time.Now().Unix() >= sess.ExpiresAt {
		if err := s.deleteSessionAndIndex(ctx, sess.UserID, sessionID); err != nil {
			return nil, err
		}
		return nil, redis.Nil
	}

	return sess, nil
}

// Delete removes a session and its index entry. Deleting a missing session
// is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return errors.Join(ErrSessionCorrupt, err)
	}

	return s.deleteSessionAndIndex(ctx, sess.UserID, sessionID)
}

// DeleteAllForUser removes every session tracked for a user.
//
// ATOMICITY NOTE: this reads the user's session set, then deletes in a
// transaction. A session created between the two phases is not captured;
// it will expire naturally or be caught by the next call. This is the same
// narrow race every SMEMBERS-then-DEL logout-all carries.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) error {
	userKey := s.userKey(userID)

	sessionIDs, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessionKeys := make([]string, 0, len(sessionIDs))
	for _, sessionID := range sessionIDs {
		sessionKeys = append(sessionKeys, s.key(sessionID))
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(sessionKeys) > 0 {
			pipe.Del(ctx, sessionKeys...)
		}
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// ActiveSessionIDs returns tracked session IDs for a user.
func (s *Store) ActiveSessionIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// GetManyReadOnly fetches multiple sessions without mutating Redis state.
// Missing or expired entries are skipped.
func (s *Store) GetManyReadOnly(ctx context.Context, sessionIDs []string) ([]*Session, error) {
	if len(sessionIDs) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(sessionIDs))
	for i, sid := range sessionIDs {
		cmds[i] = pipe.Get(ctx, s.key(sid))
	}

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessions := make([]*Session, 0, len(sessionIDs))
	nowUnix := time.Now().Unix()
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, cmdErr)
		}

		sess, decErr := Decode(data)
		if decErr != nil {
			return nil, errors.Join(ErrSessionCorrupt, decErr)
		}
		sess.SessionID = sessionIDs[i]
		if nowUnix >= sess.ExpiresAt {
			continue
		}

		sessions = append(sessions, sess)
	}

	return sessions, nil
}

// RotateTokens atomically replaces the access and refresh hashes in the
// session using a Lua CAS script, archiving the current refresh hash as the
// previous generation. This is the core of the rotation protocol that
// enables reuse detection: a presented hash matching the archived previous
// generation returns a [ReuseError] instead of rotating.
//
// The refresh window is fixed, not sliding: rotation renews the access
// expiry and last-activity stamp but preserves the session expiry and the
// remaining Redis TTL, so a session dies at its original refresh deadline
// no matter how often it rotates.
func (s *Store) RotateTokens(
	ctx context.Context,
	sessionID string,
	providedHash [32]byte,
	nextAccessHash [32]byte,
	nextRefreshHash [32]byte,
	accessTTL time.Duration,
) (*Session, error) {
	now := time.Now()
	result, err := rotateTokensLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID)},
		sessionID,
		s.userKeyPrefix(),
		providedHash[:],
		nextAccessHash[:],
		nextRefreshHash[:],
		now.Unix(),
		now.Add(accessTTL).Unix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrRedisUnavailable)
	}

	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return nil, errors.Join(redis.Nil, ErrSessionNotFound)
	case rotateStatusExpired:
		return nil, errors.Join(redis.Nil, ErrSessionExpired)
	case rotateStatusMismatch:
		return nil, ErrTokenHashMismatch
	case rotateStatusPrevReuse:
		reuse := &ReuseError{}
		if len(parts) >= 2 {
			if uid, ok := parts[1].(string); ok {
				reuse.UserID = uid
			}
		}
		return nil, reuse
	case rotateStatusRotated:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing updated session payload", ErrRedisUnavailable)
		}

		var blob []byte
		switch v := parts[1].(type) {
		case string:
			blob = []byte(v)
		case []byte:
			blob = v
		default:
			return nil, fmt.Errorf("%w: invalid updated session payload", ErrRedisUnavailable)
		}

		sess, decErr := Decode(blob)
		if decErr != nil {
			return nil, errors.Join(ErrSessionCorrupt, decErr)
		}
		sess.SessionID = sessionID
		return sess, nil
	case rotateStatusInvalidBlob:
		return nil, errors.Join(ErrRedisUnavailable, ErrSessionCorrupt)
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status", ErrRedisUnavailable)
	}
}

// UpdateActiveRole rewrites the session's active role in place with an
// optimistic WATCH transaction, preserving the remaining TTL and bumping
// last activity. Tokens are untouched; the session identity is continuous.
func (s *Store) UpdateActiveRole(ctx context.Context, sessionID, role string) (*Session, error) {
	const maxRetries = 4
	key := s.key(sessionID)

	for i := 0; i < maxRetries; i++ {
		var updated *Session
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			sess, err := Decode(data)
			if err != nil {
				return errors.Join(ErrSessionCorrupt, err)
			}
			sess.SessionID = sessionID
			if time.Now().Unix() >= sess.ExpiresAt {
				return redis.Nil
			}

			ttl, err := tx.PTTL(ctx, key).Result()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				return redis.Nil
			}

			sess.ActiveRole = role
			sess.LastActivityAt = time.Now().Unix()

			encoded, err := Encode(sess)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, ttl)
				return nil
			})
			if err != nil {
				return err
			}

			updated = sess
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, redis.Nil
			}
			if errors.Is(err, ErrSessionCorrupt) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		return updated, nil
	}

	return nil, ErrRoleConflict
}

// TrackReplayAnomaly increments the replay anomaly counter for a session ID.
func (s *Store) TrackReplayAnomaly(ctx context.Context, sessionID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	key := s.replayKey(sessionID)
	count, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count == 1 {
		if err := s.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func (s *Store) deleteSessionAndIndex(ctx context.Context, userID, sessionID string) error {
	key := s.key(sessionID)
	userKey := s.userKey(userID)

	_, err := deleteSessionLua.Run(ctx, s.redis, []string{key, userKey}, sessionID).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}
