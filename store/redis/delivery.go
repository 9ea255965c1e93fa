package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/delivery"
	"github.com/conveyorhq/conveyor/id"
)

// claimScript is the atomic claim guard: increment the retry counter iff
// the record is still failed with the expected count. Returns the new
// counter on success, -1 when the record is missing, -2 when the claim
// is lost.
var claimScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'failed' then return -2 end
local rc = tonumber(redis.call('HGET', KEYS[1], 'retry_count'))
if rc ~= tonumber(ARGV[1]) then return -2 end
rc = rc + 1
redis.call('HSET', KEYS[1], 'retry_count', rc, 'updated_at', ARGV[2])
return rc
`)

// transitionScript applies a webhook-driven status transition iff the
// current status is one of the allowed origins (ARGV[5..]). Returns 1 on
// success, -1 when the record is missing, -2 on an invalid transition.
var transitionScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
local allowed = false
for i = 5, #ARGV do
  if status == ARGV[i] then allowed = true end
end
if not allowed then return -2 end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'provider_response', ARGV[3])
end
redis.call('ZREM', KEYS[2], ARGV[4])
return 1
`)

// CreateDelivery stores the record as a Hash and indexes its retry
// schedule when it has one.
func (s *Store) CreateDelivery(ctx context.Context, r *delivery.Record) error {
	rID := r.ID.String()
	key := deliveryKey(rID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return conveyor.ErrDeliveryExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, recordToMap(r))
	pipe.SAdd(ctx, deliveryIDsKey, rID)
	syncDueIndex(ctx, pipe, r)

	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: create delivery: %w", err)
	}
	return nil
}

// GetDelivery retrieves a record by ID.
func (s *Store) GetDelivery(ctx context.Context, recordID id.DeliveryID) (*delivery.Record, error) {
	return s.getByKey(ctx, deliveryKey(recordID.String()))
}

// UpdateDelivery persists changes to an existing record and keeps the
// due index in sync.
func (s *Store) UpdateDelivery(ctx context.Context, r *delivery.Record) error {
	rID := r.ID.String()
	key := deliveryKey(rID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: update check exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrDeliveryNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, recordToMap(r))
	syncDueIndex(ctx, pipe, r)

	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: update delivery: %w", err)
	}
	return nil
}

// ListDueDeliveries reads the due index up to now, oldest schedule first.
func (s *Store) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*delivery.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := s.client.ZRangeByScore(ctx, dueKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list due zrange: %w", err)
	}

	records := make([]*delivery.Record, 0, len(ids))
	for _, rID := range ids {
		r, getErr := s.getByKey(ctx, deliveryKey(rID))
		if getErr != nil {
			// Index entry without a record; skip it.
			continue
		}
		if !r.Eligible(now) {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// ClaimDelivery runs the claim script and returns the claimed record.
func (s *Store) ClaimDelivery(ctx context.Context, recordID id.DeliveryID, expectedRetryCount int) (*delivery.Record, error) {
	key := deliveryKey(recordID.String())
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := claimScript.Run(ctx, s.client, []string{key}, expectedRetryCount, now).Int64()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: claim delivery: %w", err)
	}
	switch res {
	case -1:
		return nil, conveyor.ErrDeliveryNotFound
	case -2:
		return nil, conveyor.ErrClaimLost
	}
	return s.getByKey(ctx, key)
}

// SetDeliveryStatus applies an externally driven status transition.
func (s *Store) SetDeliveryStatus(ctx context.Context, recordID id.DeliveryID, status delivery.Status, providerResponse string) error {
	key := deliveryKey(recordID.String())
	now := time.Now().UTC().Format(time.RFC3339Nano)

	args := []interface{}{string(status), now, providerResponse, recordID.String()}
	for _, from := range allowedOrigins(status) {
		args = append(args, string(from))
	}

	res, err := transitionScript.Run(ctx, s.client, []string{key, dueKey}, args...).Int64()
	if err != nil {
		return fmt.Errorf("conveyor/redis: set delivery status: %w", err)
	}
	switch res {
	case -1:
		return conveyor.ErrDeliveryNotFound
	case -2:
		return conveyor.ErrInvalidTransition
	}
	return nil
}

// ListDeliveries returns records matching the given options, newest first.
func (s *Store) ListDeliveries(ctx context.Context, opts delivery.ListOpts) ([]*delivery.Record, error) {
	ids, err := s.client.SMembers(ctx, deliveryIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list delivery ids: %w", err)
	}

	records := make([]*delivery.Record, 0, len(ids))
	for _, rID := range ids {
		r, getErr := s.getByKey(ctx, deliveryKey(rID))
		if getErr != nil {
			continue
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(records) {
			return []*delivery.Record{}, nil
		}
		records = records[opts.Offset:]
	}
	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[:opts.Limit]
	}
	return records, nil
}

// CountDeliveries returns the number of records with the given status.
func (s *Store) CountDeliveries(ctx context.Context, status delivery.Status) (int64, error) {
	if status == "" {
		n, err := s.client.SCard(ctx, deliveryIDsKey).Result()
		if err != nil {
			return 0, fmt.Errorf("conveyor/redis: count deliveries: %w", err)
		}
		return n, nil
	}

	records, err := s.ListDeliveries(ctx, delivery.ListOpts{Status: status})
	if err != nil {
		return 0, err
	}
	return int64(len(records)), nil
}

// getByKey fetches and decodes a record Hash.
func (s *Store) getByKey(ctx context.Context, key string) (*delivery.Record, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get delivery: %w", err)
	}
	if len(fields) == 0 {
		return nil, conveyor.ErrDeliveryNotFound
	}
	return recordFromMap(fields)
}

// syncDueIndex keeps the due Sorted Set consistent with the record: a
// retryable failure is indexed by its schedule, everything else removed.
func syncDueIndex(ctx context.Context, pipe goredis.Pipeliner, r *delivery.Record) {
	rID := r.ID.String()
	if r.Status == delivery.StatusFailed && r.NextRetryAt != nil && r.RetryCount < r.MaxRetries {
		pipe.ZAdd(ctx, dueKey, goredis.Z{
			Score:  float64(r.NextRetryAt.Unix()),
			Member: rID,
		})
		return
	}
	pipe.ZRem(ctx, dueKey, rID)
}

// allowedOrigins lists the statuses a record may hold for a transition
// into target to be valid.
func allowedOrigins(target delivery.Status) []delivery.Status {
	all := []delivery.Status{
		delivery.StatusQueued,
		delivery.StatusSent,
		delivery.StatusDelivered,
		delivery.StatusBounced,
		delivery.StatusFailed,
	}
	var origins []delivery.Status
	for _, from := range all {
		if delivery.ValidTransition(from, target) {
			origins = append(origins, from)
		}
	}
	return origins
}

// recordToMap flattens a record into Redis Hash fields.
func recordToMap(r *delivery.Record) map[string]any {
	nextRetry := ""
	if r.NextRetryAt != nil {
		nextRetry = r.NextRetryAt.UTC().Format(time.RFC3339Nano)
	}
	return map[string]any{
		"id":                r.ID.String(),
		"invitation_id":     r.InvitationID,
		"recipient":         r.Recipient,
		"status":            string(r.Status),
		"retry_count":       r.RetryCount,
		"max_retries":       r.MaxRetries,
		"next_retry_at":     nextRetry,
		"provider_response": r.ProviderResponse,
		"last_error":        r.LastError,
		"created_at":        r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":        r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// recordFromMap rebuilds a record from Redis Hash fields.
func recordFromMap(fields map[string]string) (*delivery.Record, error) {
	rID, err := id.ParseDeliveryID(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse delivery id %q: %w", fields["id"], err)
	}

	r := &delivery.Record{
		ID:               rID,
		InvitationID:     fields["invitation_id"],
		Recipient:        fields["recipient"],
		Status:           delivery.Status(fields["status"]),
		ProviderResponse: fields["provider_response"],
		LastError:        fields["last_error"],
	}

	if r.RetryCount, err = strconv.Atoi(fields["retry_count"]); err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse retry_count: %w", err)
	}
	if r.MaxRetries, err = strconv.Atoi(fields["max_retries"]); err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse max_retries: %w", err)
	}

	if v := fields["next_retry_at"]; v != "" {
		t, parseErr := time.Parse(time.RFC3339Nano, v)
		if parseErr != nil {
			return nil, fmt.Errorf("conveyor/redis: parse next_retry_at: %w", parseErr)
		}
		r.NextRetryAt = &t
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse updated_at: %w", err)
	}
	return r, nil
}
