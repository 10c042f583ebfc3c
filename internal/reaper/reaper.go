// Package reaper removes a message's attachment state: the blobs in the
// object store and the manifest entry that points at them.
package reaper

import (
	"context"
	"log/slog"

	"github.com/formrelay/formrelay/internal/metrics"
	"github.com/formrelay/formrelay/internal/sidestate"
)

// ManifestStore is the slice of the side-state store the reaper needs.
type ManifestStore interface {
	LoadAttachments(ctx context.Context, hex string) ([]sidestate.AttachmentRef, error)
	DeleteAttachmentsEntry(ctx context.Context, hex string) error
}

// BlobDeleter deletes objects from the attachment bucket.
type BlobDeleter interface {
	DeleteByKeys(ctx context.Context, keys []string) (int, error)
}

// Reaper deletes attachment blobs and their manifest for a given hex.
// Every failure is logged and swallowed: attachment loss never blocks a
// message from reaching its terminal state, and a manifest left behind is
// picked up by upstream garbage collection.
type Reaper struct {
	manifests ManifestStore
	blobs     BlobDeleter
	log       *slog.Logger
}

// New builds a Reaper.
func New(manifests ManifestStore, blobs BlobDeleter, log *slog.Logger) *Reaper {
	return &Reaper{manifests: manifests, blobs: blobs, log: log}
}

// Reap deletes all attachment objects referenced by the manifest for hex,
// then the manifest entry itself. When the blob delete fails the manifest
// is kept so the garbage collector can retry later.
func (r *Reaper) Reap(ctx context.Context, hex string) {
	refs, err := r.manifests.LoadAttachments(ctx, hex)
	if err != nil {
		r.log.Error("load attachment manifest failed",
			slog.String("hex", hex),
			slog.String("error", err.Error()),
		)
		return
	}
	if refs == nil {
		return
	}

	keys := make([]string, len(refs))
	for i, ref := range refs {
		keys[i] = ref.Key
	}

	deleted, err := r.blobs.DeleteByKeys(ctx, keys)
	metrics.AttachmentObjectsReaped.Add(float64(deleted))
	if err != nil {
		r.log.Error("attachment blob delete failed, keeping manifest",
			slog.String("hex", hex),
			slog.Int("deleted", deleted),
			slog.Int("total", len(keys)),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := r.manifests.DeleteAttachmentsEntry(ctx, hex); err != nil {
		r.log.Error("attachment manifest delete failed",
			slog.String("hex", hex),
			slog.String("error", err.Error()),
		)
		return
	}

	r.log.Debug("attachments reaped",
		slog.String("hex", hex),
		slog.Int("objects", deleted),
	)
}
