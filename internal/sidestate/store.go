// Package sidestate manages the fast KV state that rides alongside each
// queued message: dedup markers, attachment manifests, the dead-letter
// list, and the two delivery streams themselves.
package sidestate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Well-known keys. Streams and side-band state share one keyspace with the
// ingestion API, so these must match what the producer writes.
const (
	StreamPrimary = "messages"
	StreamRetry   = "retry_queue"

	dedupKeyPrefix       = "streams:"
	attachmentsKeyPrefix = "attachments:"
	attachmentsField     = "files"
	failedKey            = "failed"
)

// AttachmentRef is one entry of a message's attachment manifest. Key
// identifies the blob in the object store.
type AttachmentRef struct {
	Name     string `json:"name"`
	Key      string `json:"key"`
	Filename string `json:"filename"`
}

// FailedRecord is what lands on the dead-letter list. It carries the
// minimal set needed for offline inspection.
type FailedRecord struct {
	Hex             string `json:"hex"`
	FormID          string `json:"form_id"`
	Fields          string `json:"fields"`
	Origin          string `json:"origin"`
	AttachmentCount int    `json:"attachment_count"`
	Error           string `json:"error"`
}

// Store wraps the two Redis connections the worker holds. The blocking
// client is reserved for long-poll stream reads; every other command goes
// through the command client so it can be issued while a read is
// outstanding.
type Store struct {
	cmd      *redis.Client
	blocking *redis.Client
	log      *slog.Logger
}

// New dials both connections from the same URL and verifies each with a
// ping. A failure here is bootstrap-fatal for the caller.
func New(ctx context.Context, redisURL string, log *slog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	cmd := redis.NewClient(opts)
	if err := cmd.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis (command connection): %w", err)
	}

	blockingOpts := *opts
	blocking := redis.NewClient(&blockingOpts)
	if err := blocking.Ping(ctx).Err(); err != nil {
		_ = cmd.Close()
		return nil, fmt.Errorf("ping redis (blocking connection): %w", err)
	}

	return &Store{cmd: cmd, blocking: blocking, log: log}, nil
}

// NewWithClients builds a Store around pre-dialed clients. Used by tests.
func NewWithClients(cmd, blocking *redis.Client, log *slog.Logger) *Store {
	return &Store{cmd: cmd, blocking: blocking, log: log}
}

// Close tears down both connections.
func (s *Store) Close() error {
	blockErr := s.blocking.Close()
	if err := s.cmd.Close(); err != nil {
		return err
	}
	return blockErr
}

// Ping checks the command connection. The health endpoint uses it.
func (s *Store) Ping(ctx context.Context) error {
	return s.cmd.Ping(ctx).Err()
}

// PingBlocking checks the blocking-read connection.
func (s *Store) PingBlocking(ctx context.Context) error {
	return s.blocking.Ping(ctx).Err()
}

// DeleteDedup removes the upstream ingestion dedup marker for hex.
func (s *Store) DeleteDedup(ctx context.Context, hex string) error {
	if err := s.cmd.Del(ctx, dedupKeyPrefix+hex).Err(); err != nil {
		return fmt.Errorf("delete dedup key for %s: %w", hex, err)
	}
	return nil
}

// LoadAttachments returns the attachment manifest for hex, or nil when no
// manifest exists.
func (s *Store) LoadAttachments(ctx context.Context, hex string) ([]AttachmentRef, error) {
	raw, err := s.cmd.HGet(ctx, attachmentsKeyPrefix+hex, attachmentsField).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load attachment manifest for %s: %w", hex, err)
	}

	var refs []AttachmentRef
	if err := json.Unmarshal([]byte(raw), &refs); err != nil {
		return nil, fmt.Errorf("decode attachment manifest for %s: %w", hex, err)
	}
	return refs, nil
}

// DeleteAttachmentsEntry removes the manifest entry for hex. The blobs it
// referenced are the reaper's responsibility.
func (s *Store) DeleteAttachmentsEntry(ctx context.Context, hex string) error {
	if err := s.cmd.Del(ctx, attachmentsKeyPrefix+hex).Err(); err != nil {
		return fmt.Errorf("delete attachment manifest for %s: %w", hex, err)
	}
	return nil
}

// AppendFailed pushes a terminal failure onto the dead-letter list.
func (s *Store) AppendFailed(ctx context.Context, rec FailedRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode failed record: %w", err)
	}
	if err := s.cmd.RPush(ctx, failedKey, raw).Err(); err != nil {
		return fmt.Errorf("append failed record for %s: %w", rec.Hex, err)
	}
	return nil
}

// AckAndRemove acknowledges an entry to its consumer group and deletes it
// from the stream. This is the single terminal action for every consumed
// entry.
func (s *Store) AckAndRemove(ctx context.Context, stream, group, entryID string) error {
	if err := s.cmd.XAck(ctx, stream, group, entryID).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", entryID, stream, err)
	}
	if err := s.cmd.XDel(ctx, stream, entryID).Err(); err != nil {
		return fmt.Errorf("delete %s from %s: %w", entryID, stream, err)
	}
	return nil
}

// EnqueueRetry appends a retry envelope to the given stream. The entry id
// is auto-assigned by the stream engine; correlation with the original
// attempt travels inside the payload.
func (s *Store) EnqueueRetry(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	id, err := s.cmd.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue retry on %s: %w", stream, err)
	}
	return id, nil
}

// StreamExists reports whether the stream key is present.
func (s *Store) StreamExists(ctx context.Context, stream string) (bool, error) {
	n, err := s.cmd.Exists(ctx, stream).Result()
	if err != nil {
		return false, fmt.Errorf("check stream %s: %w", stream, err)
	}
	return n > 0, nil
}

// CreateGroup creates the consumer group anchored at sequence 0. An
// already-existing group is not an error.
func (s *Store) CreateGroup(ctx context.Context, stream, group string) error {
	err := s.cmd.XGroupCreate(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// PendingCount returns the number of delivered-but-unacknowledged entries
// held by the group.
func (s *Store) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	pending, err := s.cmd.XPending(ctx, stream, group).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, fmt.Errorf("pending count for %s on %s: %w", group, stream, err)
	}
	return pending.Count, nil
}

// AutoClaim transfers ownership of entries that have been idle longer than
// minIdle to the given consumer, scanning the whole pending range from
// 0-0. Claimed entries are returned for immediate processing.
func (s *Store) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]redis.XMessage, error) {
	var claimed []redis.XMessage
	start := "0-0"
	for {
		msgs, next, err := s.cmd.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    count,
		}).Result()
		if err != nil {
			return claimed, fmt.Errorf("auto-claim on %s: %w", stream, err)
		}
		claimed = append(claimed, msgs...)
		if next == "0-0" || next == "" || len(msgs) == 0 && next == start {
			return claimed, nil
		}
		start = next
	}
}

// ReadGroup long-polls the stream for entries never delivered to the
// group, using the dedicated blocking connection. A nil slice with nil
// error means the poll timed out.
func (s *Store) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := s.blocking.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %s on %s: %w", group, stream, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}
