package worker

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

	"github.com/formrelay/formrelay/internal/forms"
	"github.com/formrelay/formrelay/internal/render"
	"github.com/formrelay/formrelay/internal/sidestate"
)

type consumerFixture struct {
	mr     *miniredis.Miniredis
	store  *sidestate.Store
	sender *fakeSender
	reaper *fakeReaper
	forms  *fakeForms
}

func newConsumerFixture(t *testing.T) *consumerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	opts := &redis.Options{Addr: mr.Addr()}
	store := sidestate.NewWithClients(redis.NewClient(opts), redis.NewClient(opts), slog.Default())
	t.Cleanup(func() { _ = store.Close() })

	return &consumerFixture{
		mr:     mr,
		store:  store,
		sender: &fakeSender{delivered: true},
		reaper: &fakeReaper{},
		forms: &fakeForms{form: &forms.Form{
			ID: "F",
			Handler: &forms.Handler{
				FromName:  "Forms",
				FromEmail: "forms@site.example",
				To:        "owner@site.example",
			},
		}},
	}
}

func (f *consumerFixture) consumer(t *testing.T, mode Mode) *Consumer {
	t.Helper()
	renderer := &fakeRenderer{mail: &render.Mail{To: "owner@site.example", Subject: "s", HTMLBody: "b"}}
	exec := NewExecutor(f.forms, renderer, f.sender, f.reaper, f.store, slog.Default(), 5, "https://api.site.example")
	cfg := ConsumerConfig{BatchSize: 5, Block: 10 * time.Millisecond, RetryInterval: 10 * time.Millisecond}
	return NewConsumer(mode, f.store, exec, f.reaper, f.store, cfg, slog.Default())
}

func (f *consumerFixture) addEntry(t *testing.T, stream, hex string, extra map[string]string) {
	t.Helper()
	fields, err := json.Marshal([]map[string]string{{"name": "email", "value": "x@y"}})
	require.NoError(t, err)

	values := map[string]string{
		"hex":              hex,
		"form_id":          "F",
		"fields":           string(fields),
		"origin":           "web",
		"attachment_count": "0",
	}
	for k, v := range extra {
		values[k] = v
	}
	_, err = f.mr.XAdd(stream, "*", flatten(values))
	require.NoError(t, err)
}

func flatten(values map[string]string) []string {
	out := make([]string, 0, len(values)*2)
	for _, k := range []string{"hex", "form_id", "fields", "origin", "attachment_count", "fail_count"} {
		if v, ok := values[k]; ok {
			out = append(out, k, v)
		}
	}
	return out
}

func runConsumer(t *testing.T, c *Consumer, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, c.Run(ctx))
}

func TestConsumerDeliversPrimaryEntry(t *testing.T) {
	f := newConsumerFixture(t)
	f.mr.Set("streams:a1", "1")
	f.addEntry(t, sidestate.StreamPrimary, "a1", nil)

	runConsumer(t, f.consumer(t, Primary()), 300*time.Millisecond)

	require.Len(t, f.sender.hexes, 1)
	assert.Equal(t, "a1", f.sender.hexes[0])
	assert.False(t, f.mr.Exists("streams:a1"), "dedup key must be cleared")

	entries, err := f.mr.Stream(sidestate.StreamPrimary)
	require.NoError(t, err)
	assert.Empty(t, entries, "delivered entry must be removed from the stream")
}

func TestConsumerEnqueuesRetryOnTransientFailure(t *testing.T) {
	f := newConsumerFixture(t)
	f.sender.delivered = false
	f.addEntry(t, sidestate.StreamPrimary, "a1", nil)

	runConsumer(t, f.consumer(t, Primary()), 300*time.Millisecond)

	retries, err := f.mr.Stream(sidestate.StreamRetry)
	require.NoError(t, err)
	require.Len(t, retries, 1)

	values := streamValues(retries[0].Values)
	assert.Equal(t, "1", values["fail_count"])
	assert.Equal(t, "a1", values["hex"])
	assert.NotEmpty(t, values["original_id"])

	primary, err := f.mr.Stream(sidestate.StreamPrimary)
	require.NoError(t, err)
	assert.Empty(t, primary)
}

func TestConsumerRetryModeRunsDelayedAttempts(t *testing.T) {
	f := newConsumerFixture(t)
	f.addEntry(t, sidestate.StreamRetry, "a1", map[string]string{"fail_count": "2"})
	f.addEntry(t, sidestate.StreamRetry, "b2", map[string]string{"fail_count": "1"})

	runConsumer(t, f.consumer(t, Retry()), 500*time.Millisecond)

	assert.ElementsMatch(t, []string{"a1", "b2"}, f.sender.hexes)

	entries, err := f.mr.Stream(sidestate.StreamRetry)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConsumerDiscardsMalformedEntry(t *testing.T) {
	f := newConsumerFixture(t)
	f.mr.Set("streams:zz", "1")
	f.mr.HSet("attachments:zz", "files", `[{"name":"file1","key":"blobs/zz/1","filename":"cv.pdf"}]`)
	f.addEntry(t, sidestate.StreamPrimary, "zz", map[string]string{"attachment_count": "not-a-number"})

	runConsumer(t, f.consumer(t, Primary()), 300*time.Millisecond)

	assert.Empty(t, f.sender.hexes, "malformed entry must never reach the sender")

	failed, err := f.mr.List("failed")
	require.NoError(t, err)
	require.Len(t, failed, 1)

	var rec sidestate.FailedRecord
	require.NoError(t, json.Unmarshal([]byte(failed[0]), &rec))
	assert.Equal(t, "zz", rec.Hex)
	assert.Contains(t, rec.Error, "attachment_count")

	assert.False(t, f.mr.Exists("streams:zz"))
	assert.Equal(t, []string{"zz"}, f.reaper.reaped)

	entries, err := f.mr.Stream(sidestate.StreamPrimary)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConsumerReclaimsStalledEntries(t *testing.T) {
	f := newConsumerFixture(t)
	f.addEntry(t, sidestate.StreamPrimary, "a1", nil)

	// A previous consumer read the entry and died without acknowledging.
	ctx := context.Background()
	require.NoError(t, f.store.CreateGroup(ctx, sidestate.StreamPrimary, "mailer-group"))
	msgs, err := f.store.ReadGroup(ctx, sidestate.StreamPrimary, "mailer-group", "mailer-dead", 5, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	f.mr.SetTime(time.Now().Add(6 * time.Minute))

	runConsumer(t, f.consumer(t, Primary()), 300*time.Millisecond)

	require.Len(t, f.sender.hexes, 1)
	assert.Equal(t, "a1", f.sender.hexes[0])
}

func TestConsumerLeavesFreshPendingEntriesAlone(t *testing.T) {
	f := newConsumerFixture(t)
	f.addEntry(t, sidestate.StreamPrimary, "a1", nil)

	ctx := context.Background()
	require.NoError(t, f.store.CreateGroup(ctx, sidestate.StreamPrimary, "mailer-group"))
	msgs, err := f.store.ReadGroup(ctx, sidestate.StreamPrimary, "mailer-group", "mailer-dead", 5, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Idle time below the 5 minute threshold: ownership must not move.
	f.mr.FastForward(time.Minute)

	runConsumer(t, f.consumer(t, Primary()), 200*time.Millisecond)
	assert.Empty(t, f.sender.hexes)
}

func streamValues(flat []string) map[string]string {
	out := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		out[flat[i]] = flat[i+1]
	}
	return out
}
