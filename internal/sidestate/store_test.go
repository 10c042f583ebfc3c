package sidestate

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cmd := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	blocking := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = cmd.Close()
		_ = blocking.Close()
	})

	return NewWithClients(cmd, blocking, slog.Default()), mr
}

func TestDeleteDedup(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("streams:abc123", "1"))
	require.NoError(t, store.DeleteDedup(ctx, "abc123"))
	assert.False(t, mr.Exists("streams:abc123"))

	// Deleting an absent key is not an error.
	assert.NoError(t, store.DeleteDedup(ctx, "missing"))
}

func TestAttachmentManifest(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	manifest := `[{"name":"file1","key":"blobs/aa/1","filename":"cv.pdf"},{"name":"file2","key":"blobs/aa/2","filename":"pic.png"}]`
	mr.HSet("attachments:aa11", "files", manifest)

	refs, err := store.LoadAttachments(ctx, "aa11")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, AttachmentRef{Name: "file1", Key: "blobs/aa/1", Filename: "cv.pdf"}, refs[0])

	require.NoError(t, store.DeleteAttachmentsEntry(ctx, "aa11"))
	assert.False(t, mr.Exists("attachments:aa11"))
}

func TestLoadAttachmentsAbsent(t *testing.T) {
	store, _ := newTestStore(t)

	refs, err := store.LoadAttachments(context.Background(), "nosuch")
	require.NoError(t, err)
	assert.Nil(t, refs)
}

func TestLoadAttachmentsCorruptManifest(t *testing.T) {
	store, mr := newTestStore(t)
	mr.HSet("attachments:bad", "files", "{not json")

	_, err := store.LoadAttachments(context.Background(), "bad")
	assert.Error(t, err)
}

func TestAppendFailed(t *testing.T) {
	store, mr := newTestStore(t)

	rec := FailedRecord{
		Hex:             "aa11",
		FormID:          "frm_contact",
		Fields:          `[{"name":"email","value":"x@y"}]`,
		Origin:          "web",
		AttachmentCount: 1,
		Error:           "form not found",
	}
	require.NoError(t, store.AppendFailed(context.Background(), rec))

	items, err := mr.List("failed")
	require.NoError(t, err)
	require.Len(t, items, 1)

	var got FailedRecord
	require.NoError(t, json.Unmarshal([]byte(items[0]), &got))
	assert.Equal(t, rec, got)
}

func TestAckAndRemove(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	id, err := mr.XAdd("messages", "*", []string{"hex", "aa11"})
	require.NoError(t, err)
	require.NoError(t, store.CreateGroup(ctx, "messages", "mailer-group"))

	msgs, err := store.ReadGroup(ctx, "messages", "mailer-group", "mailer-1", 5, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, id, msgs[0].ID)

	require.NoError(t, store.AckAndRemove(ctx, "messages", "mailer-group", id))

	pending, err := store.PendingCount(ctx, "messages", "mailer-group")
	require.NoError(t, err)
	assert.Zero(t, pending)

	stream, err := mr.Stream("messages")
	require.NoError(t, err)
	assert.Empty(t, stream)
}

func TestEnqueueRetryAssignsFreshID(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueRetry(ctx, "retry_queue", map[string]interface{}{
		"hex":         "aa11",
		"fail_count":  "1",
		"original_id": "1700000000000-0",
	})
	require.NoError(t, err)
	assert.NotEqual(t, "1700000000000-0", id)

	stream, err := mr.Stream("retry_queue")
	require.NoError(t, err)
	require.Len(t, stream, 1)
	assert.Equal(t, id, stream[0].ID)
}

func TestCreateGroupIdempotent(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := mr.XAdd("messages", "*", []string{"k", "v"})
	require.NoError(t, err)

	require.NoError(t, store.CreateGroup(ctx, "messages", "mailer-group"))
	require.NoError(t, store.CreateGroup(ctx, "messages", "mailer-group"))
}

func TestStreamExists(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := store.StreamExists(ctx, "messages")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = mr.XAdd("messages", "*", []string{"k", "v"})
	require.NoError(t, err)

	ok, err = store.StreamExists(ctx, "messages")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAutoClaimReassignsStalledEntries(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	id, err := mr.XAdd("messages", "*", []string{"hex", "aa11"})
	require.NoError(t, err)
	require.NoError(t, store.CreateGroup(ctx, "messages", "mailer-group"))

	// Deliver to a consumer that then disappears without acking.
	msgs, err := store.ReadGroup(ctx, "messages", "mailer-group", "mailer-dead", 5, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Not idle long enough: nothing to claim.
	claimed, err := store.AutoClaim(ctx, "messages", "mailer-group", "mailer-2", 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	mr.SetTime(time.Now().Add(6 * time.Minute))

	claimed, err = store.AutoClaim(ctx, "messages", "mailer-group", "mailer-2", 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
}
