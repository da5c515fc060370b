package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dlddu/tiny-idp/internal/domain"
)

// Redis layout. Codes and tokens are hashes with fields:
//
//	data    JSON record without consumption state
//	exp     expiry, unix milliseconds
//	used    RFC 3339 time of consumption or revocation, empty while active
//	reason  revocation reason (tokens only)
//
// Keys carry a PEXPIREAT at the record expiry so Redis evicts them. Grants
// are sets of token hashes living as long as their longest token.
const (
	keyCode  = "code:"
	keyToken = "token:"
	keyGrant = "grant:"
)

// consumeScript marks a record used unless it is missing, expired or
// already used. Replies {0} for missing, {1, data, used, reason} when this
// call marked it, {2, data, used, reason} when it was used before.
var consumeScript = redis.NewScript(`
local data = redis.call('HGET', KEYS[1], 'data')
if not data then
	return {0}
end
if tonumber(redis.call('HGET', KEYS[1], 'exp')) <= tonumber(ARGV[1]) then
	return {0}
end
local used = redis.call('HGET', KEYS[1], 'used') or ''
local reason = redis.call('HGET', KEYS[1], 'reason') or ''
if used ~= '' then
	return {2, data, used, reason}
end
redis.call('HSET', KEYS[1], 'used', ARGV[2], 'reason', ARGV[3])
return {1, data, ARGV[2], ARGV[3]}
`)

// saveScript writes a record unless one exists and indexes it under its
// grant. Replies 0 when the key already exists.
var saveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'exp', ARGV[2], 'used', '', 'reason', '')
redis.call('PEXPIREAT', KEYS[1], ARGV[2])
if #KEYS > 1 then
	redis.call('SADD', KEYS[2], ARGV[3])
	local want = tonumber(ARGV[2]) - tonumber(ARGV[4])
	if redis.call('PTTL', KEYS[2]) < want then
		redis.call('PEXPIRE', KEYS[2], want)
	end
end
return 1
`)

type redisState struct {
	status int64
	data   string
	used   string
	reason string
}

func runConsume(ctx context.Context, c redis.Scripter, key, reason string, now time.Time) (redisState, error) {
	res, err := consumeScript.Run(ctx, c, []string{key},
		now.UnixMilli(), now.UTC().Format(time.RFC3339Nano), reason).Slice()
	if err != nil {
		return redisState{}, err
	}
	return parseState(res)
}

func parseState(res []interface{}) (redisState, error) {
	if len(res) == 0 {
		return redisState{}, errors.New("redis: empty script reply")
	}
	st := redisState{}
	var ok bool
	if st.status, ok = res[0].(int64); !ok {
		return redisState{}, fmt.Errorf("redis: unexpected status %T", res[0])
	}
	if st.status == 0 {
		return st, nil
	}
	if len(res) != 4 {
		return redisState{}, fmt.Errorf("redis: unexpected reply length %d", len(res))
	}
	st.data, _ = res[1].(string)
	st.used, _ = res[2].(string)
	st.reason, _ = res[3].(string)
	return st, nil
}

func parseUsed(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("redis: bad timestamp %q: %w", v, err)
	}
	return &t, nil
}

// RedisCodeStore keeps authorization codes in Redis. Consume runs as a Lua
// script so the check and the mark happen in one step on the server.
type RedisCodeStore struct {
	client redis.UniversalClient
	prefix string
}

var _ AuthorizationCodeStore = (*RedisCodeStore)(nil)

func NewRedisCodeStore(client redis.UniversalClient, keyPrefix string) *RedisCodeStore {
	return &RedisCodeStore{client: client, prefix: keyPrefix}
}

func (s *RedisCodeStore) key(hash string) string { return s.prefix + keyCode + hash }

func (s *RedisCodeStore) Create(ctx context.Context, code *domain.AuthorizationCode) error {
	stored := *code
	stored.ConsumedAt = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal code: %w", err)
	}
	ok, err := saveScript.Run(ctx, s.client, []string{s.key(code.CodeHash)},
		data, code.ExpiresAt.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("store code: %w", err)
	}
	if ok == 0 {
		return ErrCodeExists
	}
	return nil
}

func (s *RedisCodeStore) Consume(ctx context.Context, codeHash string, now time.Time) (*domain.AuthorizationCode, error) {
	st, err := runConsume(ctx, s.client, s.key(codeHash), "", now)
	if err != nil {
		return nil, fmt.Errorf("consume code: %w", err)
	}
	if st.status == 0 {
		return nil, ErrCodeNotFound
	}

	code := &domain.AuthorizationCode{}
	if err := json.Unmarshal([]byte(st.data), code); err != nil {
		return nil, fmt.Errorf("decode code: %w", err)
	}
	if code.ConsumedAt, err = parseUsed(st.used); err != nil {
		return nil, err
	}
	if st.status == 2 {
		return code, ErrCodeAlreadyConsumed
	}
	return code, nil
}

// DeleteExpired is a no-op, Redis evicts expired keys itself.
func (s *RedisCodeStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// Ping checks connectivity for health reporting.
func (s *RedisCodeStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// RedisTokenStore keeps reference and refresh tokens in Redis.
type RedisTokenStore struct {
	client redis.UniversalClient
	prefix string
}

var _ TokenStore = (*RedisTokenStore)(nil)

func NewRedisTokenStore(client redis.UniversalClient, keyPrefix string) *RedisTokenStore {
	return &RedisTokenStore{client: client, prefix: keyPrefix}
}

func (s *RedisTokenStore) key(hash string) string    { return s.prefix + keyToken + hash }
func (s *RedisTokenStore) grantKey(id string) string { return s.prefix + keyGrant + id }

func (s *RedisTokenStore) Save(ctx context.Context, t *domain.Token) error {
	stored := *t
	stored.RevokedAt = nil
	stored.RevokedReason = ""
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	keys := []string{s.key(t.HandleHash)}
	args := []interface{}{data, t.ExpiresAt.UnixMilli()}
	if t.GrantID != "" {
		keys = append(keys, s.grantKey(t.GrantID))
		args = append(args, t.HandleHash, time.Now().UnixMilli())
	}

	ok, err := saveScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	if ok == 0 {
		return ErrTokenExists
	}
	return nil
}

func (s *RedisTokenStore) Get(ctx context.Context, handleHash string, now time.Time) (*domain.Token, error) {
	fields, err := s.client.HGetAll(ctx, s.key(handleHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	data, ok := fields["data"]
	if !ok {
		return nil, ErrTokenNotFound
	}
	exp, err := strconv.ParseInt(fields["exp"], 10, 64)
	if err != nil || exp <= now.UnixMilli() {
		return nil, ErrTokenNotFound
	}
	return decodeToken(redisState{data: data, used: fields["used"], reason: fields["reason"]})
}

func (s *RedisTokenStore) Consume(ctx context.Context, handleHash, reason string, now time.Time) (*domain.Token, error) {
	st, err := runConsume(ctx, s.client, s.key(handleHash), reason, now)
	if err != nil {
		return nil, fmt.Errorf("consume token: %w", err)
	}
	if st.status == 0 {
		return nil, ErrTokenNotFound
	}
	t, err := decodeToken(st)
	if err != nil {
		return nil, err
	}
	if st.status == 2 {
		return t, ErrTokenAlreadyConsumed
	}
	return t, nil
}

func (s *RedisTokenStore) Revoke(ctx context.Context, handleHash, reason string, now time.Time) error {
	_, err := s.Consume(ctx, handleHash, reason, now)
	if errors.Is(err, ErrTokenAlreadyConsumed) {
		return nil
	}
	return err
}

func (s *RedisTokenStore) RevokeGrant(ctx context.Context, grantID, reason string, now time.Time) (int64, error) {
	members, err := s.client.SMembers(ctx, s.grantKey(grantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("list grant tokens: %w", err)
	}
	var n int64
	for _, h := range members {
		st, err := runConsume(ctx, s.client, s.key(h), reason, now)
		if err != nil {
			return n, fmt.Errorf("revoke grant token: %w", err)
		}
		if st.status == 1 {
			n++
		}
	}
	return n, nil
}

// DeleteExpired is a no-op, Redis evicts expired keys itself.
func (s *RedisTokenStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func decodeToken(st redisState) (*domain.Token, error) {
	t := &domain.Token{}
	if err := json.Unmarshal([]byte(st.data), t); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	at, err := parseUsed(st.used)
	if err != nil {
		return nil, err
	}
	t.RevokedAt = at
	t.RevokedReason = st.reason
	return t, nil
}
