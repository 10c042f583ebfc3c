package message

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// Stream entry keys. The entry is a flat sequence of key/value string
// pairs; unknown keys are ignored.
const (
	keyHex             = "hex"
	keyFormID          = "form_id"
	keyFields          = "fields"
	keyOrigin          = "origin"
	keyAttachmentCount = "attachment_count"
	keyFailCount       = "fail_count"
	keyOriginalID      = "original_id"
)

var validate = validator.New()

// DecodeError marks an entry that can never be processed. Entries failing
// this way are dead-lettered, never retried.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode entry: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode entry: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode converts a raw stream entry into a Message. The values map is the
// flat key/value payload as returned by the stream engine; id is the
// engine-assigned entry id.
func Decode(id string, values map[string]interface{}) (*Message, error) {
	m := &Message{ID: id}

	var ok bool
	if m.Hex, ok = stringValue(values, keyHex); !ok {
		return nil, &DecodeError{Reason: "missing hex"}
	}
	if m.FormID, ok = stringValue(values, keyFormID); !ok {
		return nil, &DecodeError{Reason: "missing form_id"}
	}
	if m.Origin, ok = stringValue(values, keyOrigin); !ok {
		return nil, &DecodeError{Reason: "missing origin"}
	}

	rawFields, ok := stringValue(values, keyFields)
	if !ok {
		return nil, &DecodeError{Reason: "missing fields"}
	}
	if err := json.Unmarshal([]byte(rawFields), &m.Fields); err != nil {
		return nil, &DecodeError{Reason: "invalid fields payload", Err: err}
	}

	count, err := intValue(values, keyAttachmentCount, false)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid attachment_count", Err: err}
	}
	m.AttachmentCount = count

	failCount, err := intValue(values, keyFailCount, true)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid fail_count", Err: err}
	}
	m.FailCount = failCount

	if err := validate.Struct(m); err != nil {
		return nil, &DecodeError{Reason: "invalid entry", Err: err}
	}
	return m, nil
}

// EncodeRetry builds the payload for a retry-stream envelope carrying the
// original entry's fields plus the updated fail count. The new entry gets
// an auto-assigned id; the original id travels in the payload so the two
// attempts stay correlatable.
func (m *Message) EncodeRetry(failCount int) map[string]interface{} {
	rawFields, _ := json.Marshal(m.Fields)
	return map[string]interface{}{
		keyHex:             m.Hex,
		keyFormID:          m.FormID,
		keyFields:          string(rawFields),
		keyOrigin:          m.Origin,
		keyAttachmentCount: strconv.Itoa(m.AttachmentCount),
		keyFailCount:       strconv.Itoa(failCount),
		keyOriginalID:      m.ID,
	}
}

// SerializeFields returns the fields as their JSON wire form, for
// dead-letter records.
func (m *Message) SerializeFields() string {
	raw, err := json.Marshal(m.Fields)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

// PeekHex extracts the correlation id from a raw entry that failed to
// decode, so cleanup can still target its side-band state. Returns ""
// when the key is absent entirely.
func PeekHex(values map[string]interface{}) string {
	hex, _ := stringValue(values, keyHex)
	return hex
}

// PeekAttachmentCount extracts the attachment count from a raw entry,
// tolerating the malformed values that made the full decode fail.
func PeekAttachmentCount(values map[string]interface{}) int {
	count, err := intValue(values, keyAttachmentCount, true)
	if err != nil {
		return 0
	}
	return count
}

func stringValue(values map[string]interface{}, key string) (string, bool) {
	raw, ok := values[key]
	if !ok {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, v != ""
	case []byte:
		return string(v), len(v) > 0
	default:
		return "", false
	}
}

func intValue(values map[string]interface{}, key string, optional bool) (int, error) {
	raw, ok := stringValue(values, key)
	if !ok {
		if optional {
			return 0, nil
		}
		return 0, fmt.Errorf("missing %s", key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s is negative", key)
	}
	return n, nil
}
