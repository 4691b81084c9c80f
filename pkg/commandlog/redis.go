package commandlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stackbound/opscore/pkg/envelope"
)

// tryStartScript claims or classifies a ledger key atomically in Redis.
// KEYS[1] = entry hash key
// KEYS[2] = command_id pointer key
// ARGV[1] = command_id
// ARGV[2] = payload_hash
// ARGV[3] = now (unix milliseconds)
// ARGV[4] = lease TTL (milliseconds, 0 disables reclaim)
// ARGV[5] = command pointer key prefix
var tryStartScript = redis.NewScript(`
local entry = redis.call("HGETALL", KEYS[1])

local function claim(oldCmd)
    if oldCmd and oldCmd ~= ARGV[1] then
        redis.call("DEL", ARGV[5] .. oldCmd)
    end
    redis.call("HSET", KEYS[1],
        "state", "in_flight",
        "command_id", ARGV[1],
        "payload_hash", ARGV[2],
        "started_at", ARGV[3])
    redis.call("SET", KEYS[2], KEYS[1])
    return {"new", "", "", ""}
end

if #entry == 0 then
    return claim(nil)
end

local h = {}
for i = 1, #entry, 2 do h[entry[i]] = entry[i + 1] end

if h["command_id"] == ARGV[1] and h["payload_hash"] ~= "" and ARGV[2] ~= ""
    and h["payload_hash"] ~= ARGV[2] then
    return {"violation", "", h["command_id"], h["payload_hash"]}
end

if h["state"] == "completed" then
    return {"duplicate", h["outcome"] or "", h["command_id"], h["payload_hash"]}
end

local lease = tonumber(ARGV[4])
if lease > 0 and (tonumber(ARGV[3]) - tonumber(h["started_at"])) > lease then
    -- Reclaim: the superseded holder's pointer key would otherwise
    -- accumulate forever.
    return claim(h["command_id"])
end

return {"in_flight", "", h["command_id"], h["payload_hash"]}
`)

// completeScript transitions an in-flight entry to completed.
// KEYS[1] = command_id pointer key
// ARGV[1] = command_id
// ARGV[2] = outcome JSON
// ARGV[3] = now (unix milliseconds)
var completeScript = redis.NewScript(`
local entryKey = redis.call("GET", KEYS[1])
if not entryKey then
    return 0
end
if redis.call("HGET", entryKey, "state") ~= "in_flight" then
    return 0
end
if redis.call("HGET", entryKey, "command_id") ~= ARGV[1] then
    return 0
end
redis.call("HSET", entryKey,
    "state", "completed",
    "outcome", ARGV[2],
    "completed_at", ARGV[3])
return 1
`)

// RedisLog implements Log on Redis. Each entry is a hash; atomicity comes
// from running every transition as a Lua script.
type RedisLog struct {
	client   *redis.Client
	prefix   string
	leaseTTL time.Duration
	clock    func() time.Time
}

// NewRedisLog creates a Redis-backed ledger.
func NewRedisLog(addr, password string, db int) *RedisLog {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLog{
		client:   rdb,
		prefix:   "cmdlog",
		leaseTTL: DefaultLeaseTTL,
		clock:    time.Now,
	}
}

// NewRedisLogWithClient wraps an existing client, for tests and shared
// pools.
func NewRedisLogWithClient(client *redis.Client) *RedisLog {
	return &RedisLog{
		client:   client,
		prefix:   "cmdlog",
		leaseTTL: DefaultLeaseTTL,
		clock:    time.Now,
	}
}

// WithLeaseTTL overrides the in-flight lease. Zero disables reclaim.
func (l *RedisLog) WithLeaseTTL(ttl time.Duration) *RedisLog {
	l.leaseTTL = ttl
	return l
}

// WithClock overrides the clock for deterministic tests.
func (l *RedisLog) WithClock(clock func() time.Time) *RedisLog {
	l.clock = clock
	return l
}

func (l *RedisLog) redisEntryKey(scopeKey, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, scopeKey, idempotencyKey)
}

func (l *RedisLog) commandKey(commandID string) string {
	return fmt.Sprintf("%s:cmd:%s", l.prefix, commandID)
}

// TryStart implements Log.
func (l *RedisLog) TryStart(ctx context.Context, req StartRequest) (*StartResult, error) {
	keys := []string{
		l.redisEntryKey(req.ScopeKey, req.IdempotencyKey),
		l.commandKey(req.CommandID),
	}
	nowMs := l.clock().UnixMilli()

	res, err := tryStartScript.Run(ctx, l.client, keys,
		req.CommandID, req.PayloadHash, nowMs, l.leaseTTL.Milliseconds(),
		l.prefix+":cmd:").Result()
	if err != nil {
		return nil, fmt.Errorf("commandlog: redis try start: %w", err)
	}

	fields, ok := res.([]interface{})
	if !ok || len(fields) < 2 {
		return nil, fmt.Errorf("commandlog: unexpected redis reply %v", res)
	}
	status, _ := fields[0].(string)
	outcomeJSON, _ := fields[1].(string)

	switch status {
	case "new":
		return &StartResult{Status: StartNew}, nil
	case "in_flight":
		return &StartResult{Status: StartInFlight}, nil
	case "violation":
		return nil, &IdempotencyViolation{
			CommandID:      req.CommandID,
			ScopeKey:       req.ScopeKey,
			IdempotencyKey: req.IdempotencyKey,
		}
	case "duplicate":
		result := &StartResult{Status: StartDuplicate}
		if outcomeJSON != "" {
			var outcome envelope.Outcome
			if err := json.Unmarshal([]byte(outcomeJSON), &outcome); err != nil {
				return nil, fmt.Errorf("commandlog: corrupt outcome JSON: %w", err)
			}
			result.Outcome = &outcome
		}
		return result, nil
	default:
		return nil, fmt.Errorf("commandlog: unexpected start status %q", status)
	}
}

// Complete implements Log.
func (l *RedisLog) Complete(ctx context.Context, commandID string, outcome *envelope.Outcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("commandlog: marshal outcome: %w", err)
	}

	n, err := completeScript.Run(ctx, l.client,
		[]string{l.commandKey(commandID)},
		commandID, string(raw), l.clock().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("commandlog: redis complete: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Record implements Log.
func (l *RedisLog) Record(ctx context.Context, entry Entry) error {
	key := l.redisEntryKey(entry.ScopeKey, entry.IdempotencyKey)

	fields := map[string]interface{}{
		"state":        string(entry.State),
		"command_id":   entry.CommandID,
		"payload_hash": entry.PayloadHash,
		"started_at":   entry.StartedAt.UnixMilli(),
	}
	if entry.Outcome != nil {
		raw, err := json.Marshal(entry.Outcome)
		if err != nil {
			return fmt.Errorf("commandlog: marshal outcome: %w", err)
		}
		fields["outcome"] = string(raw)
	}
	if !entry.CompletedAt.IsZero() {
		fields["completed_at"] = entry.CompletedAt.UnixMilli()
	}

	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if entry.CommandID != "" {
		pipe.Set(ctx, l.commandKey(entry.CommandID), key, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commandlog: redis record: %w", err)
	}
	return nil
}

// RecordOutcome implements Log.
func (l *RedisLog) RecordOutcome(ctx context.Context, scopeKey, idempotencyKey string, outcome *envelope.Outcome) error {
	commandID := ""
	if outcome != nil {
		commandID = outcome.CommandID
	}
	return l.Record(ctx, Entry{
		ScopeKey:       scopeKey,
		IdempotencyKey: idempotencyKey,
		CommandID:      commandID,
		State:          StateCompleted,
		Outcome:        outcome,
		StartedAt:      l.clock(),
		CompletedAt:    l.clock(),
	})
}

// GetByIdempotencyKey implements Log.
func (l *RedisLog) GetByIdempotencyKey(ctx context.Context, scopeKey, idempotencyKey string) (*Entry, error) {
	key := l.redisEntryKey(scopeKey, idempotencyKey)

	h, err := l.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("commandlog: redis get: %w", err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}

	entry := &Entry{
		ScopeKey:       scopeKey,
		IdempotencyKey: idempotencyKey,
		CommandID:      h["command_id"],
		PayloadHash:    h["payload_hash"],
		State:          State(h["state"]),
	}
	if ms, ok := parseMillis(h["started_at"]); ok {
		entry.StartedAt = ms
	}
	if ms, ok := parseMillis(h["completed_at"]); ok {
		entry.CompletedAt = ms
	}
	if raw := h["outcome"]; raw != "" {
		var outcome envelope.Outcome
		if err := json.Unmarshal([]byte(raw), &outcome); err != nil {
			return nil, fmt.Errorf("commandlog: corrupt outcome JSON: %w", err)
		}
		entry.Outcome = &outcome
	}
	return entry, nil
}

func parseMillis(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Ping verifies connectivity, used by the composition root at startup.
func (l *RedisLog) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("commandlog: redis unreachable: %w", err)
		}
		return fmt.Errorf("commandlog: redis ping: %w", err)
	}
	return nil
}
