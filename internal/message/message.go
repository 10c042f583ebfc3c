// Package message defines the stream-entry payload exchanged between the
// form ingestion API and the mailer worker, together with its codec.
package message

// OTPHex is a reserved correlation id. Entries carrying it bypass the
// template renderer and get a synthesized one-time-password mail instead.
const OTPHex = "otp"

// Field is a single submitted form field. Names may repeat, and a "[]"
// suffix marks fields that belong to a multi-valued group (checkboxes,
// multi-selects).
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is one decoded stream entry. ID is the opaque id assigned by the
// stream engine; everything else is client-supplied payload.
type Message struct {
	ID              string
	Hex             string  `validate:"required"`
	FormID          string  `validate:"required"`
	Origin          string  `validate:"required"`
	Fields          []Field `validate:"required,min=1"`
	AttachmentCount int     `validate:"gte=0"`

	// FailCount is zero for entries on the primary stream and the number
	// of prior delivery attempts for entries on the retry stream.
	FailCount int `validate:"gte=0"`
}

// IsOTP reports whether this entry carries the reserved OTP sentinel.
func (m *Message) IsOTP() bool {
	return m.Hex == OTPHex
}
