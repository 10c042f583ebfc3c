package reaper

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/formrelay/formrelay/internal/sidestate"
)

type fakeManifests struct {
	refs    []sidestate.AttachmentRef
	loadErr error
	deleted []string
}

func (f *fakeManifests) LoadAttachments(_ context.Context, hex string) ([]sidestate.AttachmentRef, error) {
	return f.refs, f.loadErr
}

func (f *fakeManifests) DeleteAttachmentsEntry(_ context.Context, hex string) error {
	f.deleted = append(f.deleted, hex)
	return nil
}

type fakeBlobs struct {
	err  error
	keys []string
}

func (f *fakeBlobs) DeleteByKeys(_ context.Context, keys []string) (int, error) {
	f.keys = append(f.keys, keys...)
	if f.err != nil {
		return 0, f.err
	}
	return len(keys), nil
}

func TestReapDeletesBlobsThenManifest(t *testing.T) {
	manifests := &fakeManifests{refs: []sidestate.AttachmentRef{
		{Name: "file1", Key: "blobs/aa/1", Filename: "cv.pdf"},
		{Name: "file2", Key: "blobs/aa/2", Filename: "pic.png"},
	}}
	blobs := &fakeBlobs{}

	New(manifests, blobs, slog.Default()).Reap(context.Background(), "aa11")

	assert.Equal(t, []string{"blobs/aa/1", "blobs/aa/2"}, blobs.keys)
	assert.Equal(t, []string{"aa11"}, manifests.deleted)
}

func TestReapNoManifestIsNoop(t *testing.T) {
	manifests := &fakeManifests{}
	blobs := &fakeBlobs{}

	New(manifests, blobs, slog.Default()).Reap(context.Background(), "aa11")

	assert.Empty(t, blobs.keys)
	assert.Empty(t, manifests.deleted)
}

func TestReapKeepsManifestOnBlobDeleteFailure(t *testing.T) {
	manifests := &fakeManifests{refs: []sidestate.AttachmentRef{{Key: "blobs/aa/1"}}}
	blobs := &fakeBlobs{err: errors.New("connection refused")}

	New(manifests, blobs, slog.Default()).Reap(context.Background(), "aa11")

	assert.Empty(t, manifests.deleted, "manifest must survive for upstream gc")
}

func TestReapSwallowsLoadFailure(t *testing.T) {
	manifests := &fakeManifests{loadErr: errors.New("connection refused")}
	blobs := &fakeBlobs{}

	// Must not panic and must not touch the blob store.
	New(manifests, blobs, slog.Default()).Reap(context.Background(), "aa11")
	assert.Empty(t, blobs.keys)
}
