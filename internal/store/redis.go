package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// createUserLua inserts a user hash and its email index.
// KEYS[1] = email index key, KEYS[2] = user hash key
// ARGV[1] = user id, ARGV[2..] = field/value pairs
var createUserLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {err='duplicate'}
end
redis.call('SET', KEYS[1], ARGV[1])
local fields = {}
for i = 2, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
redis.call('HSET', KEYS[2], unpack(fields))
return 1
`)

// updateUserLua applies field/value pairs to a user hash and keeps the
// refresh-token index in step with the slot, all in one atomic call.
// KEYS[1] = user hash key
// ARGV[1] = refresh index prefix, ARGV[2] = expected password hash or '',
// ARGV[3..] = field/value pairs
// Returns the updated hash as a flat field/value array.
var updateUserLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {err='not_found'}
end
if ARGV[2] ~= '' and redis.call('HGET', KEYS[1], 'password') ~= ARGV[2] then
  return {err='conflict'}
end
local id = redis.call('HGET', KEYS[1], 'id')
local fields = {}
for i = 3, #ARGV, 2 do
  local f, v = ARGV[i], ARGV[i + 1]
  if f == 'refresh_token' then
    local old = redis.call('HGET', KEYS[1], 'refresh_token')
    if old and old ~= '' then
      redis.call('DEL', ARGV[1] .. old)
    end
    if v ~= '' then
      redis.call('SET', ARGV[1] .. v, id)
    end
  end
  fields[#fields + 1] = f
  fields[#fields + 1] = v
end
redis.call('HSET', KEYS[1], unpack(fields))
return redis.call('HGETALL', KEYS[1])
`)

// revokeRefreshLua empties the slot holding a token and drops its index
// entry, but only while the slot still holds that token.
// KEYS[1] = refresh index key
// ARGV[1] = user hash prefix, ARGV[2] = token, ARGV[3] = updated_at
var revokeRefreshLua = redis.NewScript(`
local id = redis.call('GET', KEYS[1])
if not id then
  return {err='not_found'}
end
local key = ARGV[1] .. id
if redis.call('HGET', key, 'refresh_token') ~= ARGV[2] then
  return {err='not_found'}
end
redis.call('HSET', key, 'refresh_token', '', 'updated_at', ARGV[3])
redis.call('DEL', KEYS[1])
return redis.call('HGETALL', key)
`)

// deleteUserLua removes a user hash and both of its indexes.
// KEYS[1] = user hash key
// ARGV[1] = email index prefix, ARGV[2] = refresh index prefix
var deleteUserLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {err='not_found'}
end
local email = redis.call('HGET', KEYS[1], 'email')
local token = redis.call('HGET', KEYS[1], 'refresh_token')
if email then
  redis.call('DEL', ARGV[1] .. email)
end
if token and token ~= '' then
  redis.call('DEL', ARGV[2] .. token)
end
redis.call('DEL', KEYS[1])
return 1
`)

// Redis stores each user as a hash with secondary string keys indexing
// email and the current refresh token.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "nileauth"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) userKey(id string) string { return r.userPrefix() + id }
func (r *Redis) userPrefix() string       { return r.prefix + ":user:" }
func (r *Redis) emailPrefix() string      { return r.prefix + ":email:" }
func (r *Redis) refreshPrefix() string    { return r.prefix + ":refresh:" }

func redisTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func (r *Redis) Create(ctx context.Context, u *User) (*User, error) {
	n := prepareNew(u, time.Now())
	args := []any{n.ID,
		"id", n.ID,
		"name", n.Name,
		"email", n.Email,
		"password", n.PasswordHash,
		"role", string(n.Role),
		"password_changed_at", "",
		"refresh_token", "",
		"created_at", redisTime(n.CreatedAt),
		"updated_at", redisTime(n.UpdatedAt),
	}
	err := createUserLua.Run(ctx, r.rdb, []string{r.emailPrefix() + n.Email, r.userKey(n.ID)}, args...).Err()
	if err != nil {
		if err.Error() == "duplicate" {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return n, nil
}

func (r *Redis) FindByID(ctx context.Context, id string) (*User, error) {
	m, err := r.rdb.HGetAll(ctx, r.userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return decodeRedisUser(m)
}

func (r *Redis) FindByField(ctx context.Context, field Field, value string) (*User, error) {
	var key string
	switch field {
	case FieldEmail:
		key = r.emailPrefix() + NormalizeEmail(value)
	case FieldRefreshToken:
		key = r.refreshPrefix() + value
	default:
		return nil, ErrUnknownField
	}
	if value == "" {
		return nil, ErrNotFound
	}
	id, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", field, err)
	}
	return r.FindByID(ctx, id)
}

func (r *Redis) Update(ctx context.Context, id string, upd Update) (*User, error) {
	if upd.empty() {
		u, err := r.FindByID(ctx, id)
		if err == nil && !upd.precondition(u) {
			return nil, ErrConflict
		}
		return u, err
	}
	expect := ""
	if upd.ExpectPasswordHash != nil {
		expect = *upd.ExpectPasswordHash
	}
	args := []any{r.refreshPrefix(), expect}
	if upd.Name != nil {
		args = append(args, "name", *upd.Name)
	}
	if upd.PasswordHash != nil {
		args = append(args, "password", *upd.PasswordHash)
	}
	if upd.PasswordChangedAt != nil {
		args = append(args, "password_changed_at", redisTime(*upd.PasswordChangedAt))
	}
	if upd.RefreshToken != nil {
		args = append(args, "refresh_token", *upd.RefreshToken)
	}
	if upd.Role != nil {
		args = append(args, "role", string(*upd.Role))
	}
	args = append(args, "updated_at", redisTime(time.Now()))

	res, err := updateUserLua.Run(ctx, r.rdb, []string{r.userKey(id)}, args...).Result()
	if err != nil {
		switch err.Error() {
		case "not_found":
			return nil, ErrNotFound
		case "conflict":
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	return decodeRedisHash(res)
}

func (r *Redis) RevokeRefreshToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	res, err := revokeRefreshLua.Run(ctx, r.rdb, []string{r.refreshPrefix() + token},
		r.userPrefix(), token, redisTime(time.Now())).Result()
	if err != nil {
		if err.Error() == "not_found" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("revoke refresh token: %w", err)
	}
	return decodeRedisHash(res)
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	err := deleteUserLua.Run(ctx, r.rdb, []string{r.userKey(id)}, r.emailPrefix(), r.refreshPrefix()).Err()
	if err != nil {
		if err.Error() == "not_found" {
			return ErrNotFound
		}
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }
func (r *Redis) Close() error                   { return r.rdb.Close() }

// decodeRedisHash decodes the flat field/value array HGETALL returns inside
// a script.
func decodeRedisHash(res any) (*User, error) {
	flat, ok := res.([]any)
	if !ok || len(flat)%2 != 0 {
		return nil, errors.New("unexpected lua result")
	}
	m := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		m[k] = v
	}
	return decodeRedisUser(m)
}

func decodeRedisUser(m map[string]string) (*User, error) {
	u := &User{
		ID:           m["id"],
		Name:         m["name"],
		Email:        m["email"],
		PasswordHash: m["password"],
		Role:         Role(m["role"]),
		RefreshToken: m["refresh_token"],
	}
	var err error
	if u.CreatedAt, err = time.Parse(time.RFC3339Nano, m["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if u.UpdatedAt, err = time.Parse(time.RFC3339Nano, m["updated_at"]); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if s := m["password_changed_at"]; s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("parse password_changed_at: %w", err)
		}
		u.PasswordChangedAt = &t
	}
	return u, nil
}
