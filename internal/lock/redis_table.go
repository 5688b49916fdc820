package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Acquire outcomes reported by the acquire script.
const (
	outcomeAcquired    = "acquired"
	outcomeHeld        = "held"
	outcomeMultiTab    = "multitab"
	outcomeTransferred = "transferred"
	outcomeTabHeld     = "tabheld"
)

// acquireScript grants the lease when the key is absent (unlocked or
// expired, since expiry deletes the key), refreshes it when the same user
// and tab already hold it, and otherwise reports the conflict. The whole
// check-then-act runs atomically inside Redis, so two concurrent callers
// can never both believe they won.
var acquireScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return {'acquired'}
end
local held = cjson.decode(raw)
if held.userId == ARGV[3] then
	if held.tabId == ARGV[4] then
		redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
		return {'acquired'}
	end
	return {'multitab', raw}
end
return {'held', raw}
`)

// releaseScript clears the lease only when the caller is the holder.
var releaseScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 0
end
if cjson.decode(raw).userId ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// transferScript reassigns the lease to a new tab of the same user. A lease
// held by a different tab requires force; a lease held by a different user
// never transfers. An absent lease is acquired fresh.
var transferScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return {'transferred'}
end
local held = cjson.decode(raw)
if held.userId ~= ARGV[3] then
	return {'held', raw}
end
if held.tabId ~= ARGV[4] and ARGV[5] ~= '1' then
	return {'tabheld', raw}
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return {'transferred'}
`)

// AcquireResult reports the outcome of an acquire attempt. On success Lease
// is the newly granted lease; on conflict it is the holding lease.
type AcquireResult struct {
	Acquired bool
	MultiTab bool
	Lease    Lease
}

// TransferResult reports the outcome of a tab transfer. On conflict Holder
// is the current lease and SameUser tells whether force would succeed.
type TransferResult struct {
	Transferred bool
	SameUser    bool
	Holder      Lease
}

// Table is the Redis-backed lock table, keyed by section id. Expiry is
// enforced by Redis key TTL: an abandoned lease simply disappears and the
// next acquire wins without coordination.
type Table struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewTable connects to Redis and returns a lock table with the given lease TTL.
func NewTable(redisURL string, ttl time.Duration) (*Table, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewTableWithClient(client, ttl), nil
}

// NewTableWithClient wraps an existing Redis client.
func NewTableWithClient(client *redis.Client, ttl time.Duration) *Table {
	return &Table{
		client: client,
		prefix: "lock:section:",
		ttl:    ttl,
	}
}

func (t *Table) key(sectionID string) string {
	return t.prefix + sectionID
}

// TTL returns the configured lease duration.
func (t *Table) TTL() time.Duration {
	return t.ttl
}

// Acquire attempts to take the lease for a section. Re-acquiring from the
// same tab refreshes the lease, which doubles as the editing heartbeat.
func (t *Table) Acquire(ctx context.Context, sectionID string, editor Editor, tabID string) (AcquireResult, error) {
	now := time.Now().UTC()
	lease := Lease{
		UserID:    editor.ID,
		UserName:  editor.Name,
		UserEmail: editor.Email,
		TabID:     tabID,
		LockedAt:  now,
		ExpiresAt: now.Add(t.ttl),
	}
	payload, err := json.Marshal(lease)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("marshal lease: %w", err)
	}

	raw, err := acquireScript.Run(ctx, t.client, []string{t.key(sectionID)},
		string(payload), t.ttl.Milliseconds(), editor.ID, tabID).Slice()
	if err != nil {
		return AcquireResult{}, fmt.Errorf("acquire lease: %w", err)
	}

	outcome, holder, err := decodeScriptReply(raw)
	if err != nil {
		return AcquireResult{}, err
	}
	switch outcome {
	case outcomeAcquired:
		return AcquireResult{Acquired: true, Lease: lease}, nil
	case outcomeMultiTab:
		return AcquireResult{MultiTab: true, Lease: holder}, nil
	case outcomeHeld:
		return AcquireResult{Lease: holder}, nil
	default:
		return AcquireResult{}, fmt.Errorf("unexpected acquire outcome %q", outcome)
	}
}

// Release clears the lease if the caller holds it. Releasing a lease held
// by someone else, or not held at all, reports false without error.
func (t *Table) Release(ctx context.Context, sectionID, userID string) (bool, error) {
	released, err := releaseScript.Run(ctx, t.client, []string{t.key(sectionID)}, userID).Int()
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return released == 1, nil
}

// Transfer moves the lease to a new tab of the same user.
func (t *Table) Transfer(ctx context.Context, sectionID string, editor Editor, newTabID string, force bool) (TransferResult, error) {
	now := time.Now().UTC()
	lease := Lease{
		UserID:    editor.ID,
		UserName:  editor.Name,
		UserEmail: editor.Email,
		TabID:     newTabID,
		LockedAt:  now,
		ExpiresAt: now.Add(t.ttl),
	}
	payload, err := json.Marshal(lease)
	if err != nil {
		return TransferResult{}, fmt.Errorf("marshal lease: %w", err)
	}

	forceFlag := "0"
	if force {
		forceFlag = "1"
	}
	raw, err := transferScript.Run(ctx, t.client, []string{t.key(sectionID)},
		string(payload), t.ttl.Milliseconds(), editor.ID, newTabID, forceFlag).Slice()
	if err != nil {
		return TransferResult{}, fmt.Errorf("transfer lease: %w", err)
	}

	outcome, holder, err := decodeScriptReply(raw)
	if err != nil {
		return TransferResult{}, err
	}
	switch outcome {
	case outcomeTransferred:
		return TransferResult{Transferred: true, SameUser: true}, nil
	case outcomeTabHeld:
		return TransferResult{SameUser: true, Holder: holder}, nil
	case outcomeHeld:
		return TransferResult{Holder: holder}, nil
	default:
		return TransferResult{}, fmt.Errorf("unexpected transfer outcome %q", outcome)
	}
}

// Get returns the current lease for a section, or nil when unlocked.
func (t *Table) Get(ctx context.Context, sectionID string) (*Lease, error) {
	raw, err := t.client.Get(ctx, t.key(sectionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	var lease Lease
	if err := json.Unmarshal([]byte(raw), &lease); err != nil {
		return nil, fmt.Errorf("unmarshal lease: %w", err)
	}
	return &lease, nil
}

// GetMany bulk-reads leases for a set of sections. Unlocked sections map to nil.
func (t *Table) GetMany(ctx context.Context, sectionIDs []string) (map[string]*Lease, error) {
	leases := make(map[string]*Lease, len(sectionIDs))
	if len(sectionIDs) == 0 {
		return leases, nil
	}

	keys := make([]string, len(sectionIDs))
	for i, id := range sectionIDs {
		keys[i] = t.key(id)
	}
	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget leases: %w", err)
	}

	for i, value := range values {
		id := sectionIDs[i]
		raw, ok := value.(string)
		if !ok {
			leases[id] = nil
			continue
		}
		var lease Lease
		if err := json.Unmarshal([]byte(raw), &lease); err != nil {
			return nil, fmt.Errorf("unmarshal lease for %s: %w", id, err)
		}
		leases[id] = &lease
	}
	return leases, nil
}

// Ping checks Redis connectivity.
func (t *Table) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (t *Table) Close() error {
	return t.client.Close()
}

func decodeScriptReply(raw []any) (string, Lease, error) {
	if len(raw) == 0 {
		return "", Lease{}, fmt.Errorf("empty script reply")
	}
	outcome, ok := raw[0].(string)
	if !ok {
		return "", Lease{}, fmt.Errorf("unexpected script reply %v", raw[0])
	}
	var holder Lease
	if len(raw) > 1 {
		payload, ok := raw[1].(string)
		if !ok {
			return "", Lease{}, fmt.Errorf("unexpected holder payload %v", raw[1])
		}
		if err := json.Unmarshal([]byte(payload), &holder); err != nil {
			return "", Lease{}, fmt.Errorf("unmarshal holder lease: %w", err)
		}
	}
	return outcome, holder, nil
}
