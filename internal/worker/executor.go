package worker

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/formrelay/formrelay/internal/forms"
	"github.com/formrelay/formrelay/internal/message"
	"github.com/formrelay/formrelay/internal/metrics"
	"github.com/formrelay/formrelay/internal/render"
	"github.com/formrelay/formrelay/internal/sidestate"
)

// Dead-letter reasons with fixed wording; downstream tooling matches on
// these strings.
const (
	reasonFormNotFound = "form not found"
	reasonMaxRetries   = "max retries reached"
)

// FormStore looks form records up by id.
type FormStore interface {
	Form(ctx context.Context, id string) (*forms.Form, error)
}

// Renderer turns a form plus submitted fields into a mail.
type Renderer interface {
	Render(form *forms.Form, fields []message.Field, origin, attachmentURL string) (*render.Mail, error)
}

// Sender submits a rendered mail. True means delivered; false with nil
// error means transient failure; an error means permanent failure.
type Sender interface {
	Send(ctx context.Context, mail *render.Mail, hex string) (bool, error)
}

// AttachmentReaper deletes a message's attachment blobs and manifest.
type AttachmentReaper interface {
	Reap(ctx context.Context, hex string)
}

// SideState is the slice of the side-state store the executor settles
// outcomes against.
type SideState interface {
	DeleteDedup(ctx context.Context, hex string) error
	AppendFailed(ctx context.Context, rec sidestate.FailedRecord) error
	AckAndRemove(ctx context.Context, stream, group, entryID string) error
	EnqueueRetry(ctx context.Context, stream string, values map[string]interface{}) (string, error)
}

// Executor runs one delivery attempt for one decoded message and settles
// its terminal action: acknowledge after delivery, after a retry enqueue,
// or after a dead-letter append. It never returns an error; everything
// short of a side-state disconnect is absorbed here so one bad entry
// cannot stall the loop.
type Executor struct {
	forms    FormStore
	renderer Renderer
	sender   Sender
	reaper   AttachmentReaper
	state    SideState
	log      *slog.Logger

	maxRetries int
	apiURL     string
}

// NewExecutor builds an Executor. maxRetries caps fail_count before a
// transient failure dead-letters; apiURL is the base for attachment
// download links.
func NewExecutor(forms FormStore, renderer Renderer, sender Sender, reaper AttachmentReaper, state SideState, log *slog.Logger, maxRetries int, apiURL string) *Executor {
	return &Executor{
		forms:      forms,
		renderer:   renderer,
		sender:     sender,
		reaper:     reaper,
		state:      state,
		log:        log,
		maxRetries: maxRetries,
		apiURL:     apiURL,
	}
}

// Execute runs one attempt for m under the given mode.
func (e *Executor) Execute(ctx context.Context, m *message.Message, mode Mode) {
	log := e.log.With(
		slog.String("hex", m.Hex),
		slog.String("entry_id", m.ID),
		slog.String("mode", mode.Name),
	)

	form, err := e.forms.Form(ctx, m.FormID)
	if errors.Is(err, forms.ErrFormNotFound) {
		log.Warn("form not found", slog.String("form_id", m.FormID))
		e.deadLetter(ctx, log, m, mode, reasonFormNotFound, nil)
		return
	}
	if err != nil {
		// Store unreachable says nothing about the message; treat like a
		// transient send failure so the entry gets another attempt.
		log.Error("form lookup failed", slog.String("error", err.Error()))
		e.retryOrDeadLetter(ctx, log, m, mode, form)
		return
	}

	mail, err := e.render(form, m)
	if err != nil {
		log.Warn("render failed", slog.String("error", err.Error()))
		e.deadLetter(ctx, log, m, mode, err.Error(), form)
		return
	}

	delivered, err := e.sender.Send(ctx, mail, m.Hex)
	switch {
	case err != nil:
		log.Warn("permanent send failure", slog.String("error", err.Error()))
		e.deadLetter(ctx, log, m, mode, err.Error(), form)
	case !delivered:
		log.Info("transient send failure")
		e.retryOrDeadLetter(ctx, log, m, mode, form)
	default:
		log.Info("delivered", slog.String("to", mail.To))
		e.settleDelivered(ctx, log, m, mode, form)
	}
}

// render dispatches between the template path and the OTP sentinel, which
// skips the renderer and never touches attachments.
func (e *Executor) render(form *forms.Form, m *message.Message) (*render.Mail, error) {
	if m.IsOTP() {
		code := ""
		if len(m.Fields) > 0 {
			code = m.Fields[0].Value
		}
		return render.OTP(form.Handler, code)
	}
	return e.renderer.Render(form, m.Fields, m.Origin, e.attachmentURL(m))
}

func (e *Executor) attachmentURL(m *message.Message) string {
	if m.AttachmentCount == 0 {
		return ""
	}
	return strings.TrimRight(e.apiURL, "/") + "/attachments/" + m.Hex
}

// settleDelivered finishes a successful attempt. Attachments stay put so
// the download link keeps working; the manifest is reaped upstream.
func (e *Executor) settleDelivered(ctx context.Context, log *slog.Logger, m *message.Message, mode Mode, form *forms.Form) {
	e.clearDedup(ctx, log, m, form)
	e.ack(ctx, log, m, mode)
	metrics.MessagesProcessed.WithLabelValues(mode.Name, "delivered").Inc()
}

// retryOrDeadLetter handles the transient branch: enqueue a retry
// envelope, or dead-letter when the next attempt would exceed the cap.
func (e *Executor) retryOrDeadLetter(ctx context.Context, log *slog.Logger, m *message.Message, mode Mode, form *forms.Form) {
	next := m.FailCount + 1
	if mode.Name == "primary" {
		next = 1
	}
	if next > e.maxRetries {
		e.deadLetter(ctx, log, m, mode, reasonMaxRetries, form)
		return
	}

	if _, err := e.state.EnqueueRetry(ctx, sidestate.StreamRetry, m.EncodeRetry(next)); err != nil {
		// Losing the envelope here leaves the entry pending; reclamation
		// re-delivers it after the idle threshold.
		log.Error("retry enqueue failed", slog.String("error", err.Error()))
		return
	}
	log.Info("retry enqueued", slog.Int("fail_count", next))
	metrics.RetriesEnqueued.Inc()

	// Attachments survive a retry enqueue: the next attempt needs them.
	// The dedup key does not, matching the documented cleanup protocol.
	// When the form record itself was unreachable its duplicate policy is
	// unknown, so the marker is left alone for the retry attempt.
	if form != nil {
		e.clearDedup(ctx, log, m, form)
	}
	e.ack(ctx, log, m, mode)
	metrics.MessagesProcessed.WithLabelValues(mode.Name, "retried").Inc()
}

// deadLetter finishes a terminally-failed attempt: append the record,
// reap attachments, clear the dedup key, acknowledge. form may be nil
// when the failure was the lookup itself; the dedup key is then cleared
// unconditionally.
func (e *Executor) deadLetter(ctx context.Context, log *slog.Logger, m *message.Message, mode Mode, reason string, form *forms.Form) {
	rec := sidestate.FailedRecord{
		Hex:             m.Hex,
		FormID:          m.FormID,
		Fields:          m.SerializeFields(),
		Origin:          m.Origin,
		AttachmentCount: m.AttachmentCount,
		Error:           reason,
	}
	if err := e.state.AppendFailed(ctx, rec); err != nil {
		log.Error("dead-letter append failed", slog.String("error", err.Error()))
	}
	metrics.DeadLetters.WithLabelValues(deadLetterReason(reason)).Inc()

	if m.AttachmentCount > 0 {
		e.reaper.Reap(ctx, m.Hex)
	}
	e.clearDedup(ctx, log, m, form)
	e.ack(ctx, log, m, mode)
	metrics.MessagesProcessed.WithLabelValues(mode.Name, "dead_lettered").Inc()
}

// clearDedup removes the ingestion dedup marker unless the form opts into
// duplicates. With no form record the marker is always removed.
func (e *Executor) clearDedup(ctx context.Context, log *slog.Logger, m *message.Message, form *forms.Form) {
	if form != nil && form.AllowDuplicates {
		return
	}
	if err := e.state.DeleteDedup(ctx, m.Hex); err != nil {
		log.Error("dedup delete failed", slog.String("error", err.Error()))
	}
}

func (e *Executor) ack(ctx context.Context, log *slog.Logger, m *message.Message, mode Mode) {
	if err := e.state.AckAndRemove(ctx, mode.Stream, mode.Group, m.ID); err != nil {
		log.Error("acknowledge failed", slog.String("error", err.Error()))
	}
}

// deadLetterReason folds free-form error strings into a small label set.
func deadLetterReason(reason string) string {
	switch reason {
	case reasonFormNotFound:
		return "form_not_found"
	case reasonMaxRetries:
		return "max_retries"
	default:
		return "permanent_failure"
	}
}
