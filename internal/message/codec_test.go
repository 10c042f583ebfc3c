package message

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEntry() map[string]interface{} {
	return map[string]interface{}{
		"hex":              "a1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4",
		"form_id":          "frm_contact",
		"origin":           "web",
		"fields":           `[{"name":"email","value":"x@y.example"},{"name":"msg","value":"hello"}]`,
		"attachment_count": "2",
	}
}

func TestDecode(t *testing.T) {
	m, err := Decode("1700000000000-0", validEntry())
	require.NoError(t, err)

	assert.Equal(t, "1700000000000-0", m.ID)
	assert.Equal(t, "a1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4", m.Hex)
	assert.Equal(t, "frm_contact", m.FormID)
	assert.Equal(t, "web", m.Origin)
	assert.Equal(t, 2, m.AttachmentCount)
	assert.Equal(t, 0, m.FailCount)
	require.Len(t, m.Fields, 2)
	assert.Equal(t, Field{Name: "email", Value: "x@y.example"}, m.Fields[0])
	assert.False(t, m.IsOTP())
}

func TestDecodeRetryEntry(t *testing.T) {
	values := validEntry()
	values["fail_count"] = "3"

	m, err := Decode("1-0", values)
	require.NoError(t, err)
	assert.Equal(t, 3, m.FailCount)
}

func TestDecodeIgnoresUnknownKeys(t *testing.T) {
	values := validEntry()
	values["shard"] = "7"

	_, err := Decode("1-0", values)
	assert.NoError(t, err)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"missing hex", func(v map[string]interface{}) { delete(v, "hex") }},
		{"empty hex", func(v map[string]interface{}) { v["hex"] = "" }},
		{"missing form_id", func(v map[string]interface{}) { delete(v, "form_id") }},
		{"missing origin", func(v map[string]interface{}) { delete(v, "origin") }},
		{"missing fields", func(v map[string]interface{}) { delete(v, "fields") }},
		{"fields not json", func(v map[string]interface{}) { v["fields"] = "name=email" }},
		{"empty fields array", func(v map[string]interface{}) { v["fields"] = "[]" }},
		{"missing attachment_count", func(v map[string]interface{}) { delete(v, "attachment_count") }},
		{"attachment_count not numeric", func(v map[string]interface{}) { v["attachment_count"] = "two" }},
		{"attachment_count negative", func(v map[string]interface{}) { v["attachment_count"] = "-1" }},
		{"fail_count not numeric", func(v map[string]interface{}) { v["fail_count"] = "NaN" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := validEntry()
			tt.mutate(values)

			_, err := Decode("1-0", values)
			require.Error(t, err)

			var decodeErr *DecodeError
			assert.True(t, errors.As(err, &decodeErr), "want *DecodeError, got %T", err)
		})
	}
}

func TestDecodeOTPSentinel(t *testing.T) {
	values := validEntry()
	values["hex"] = "otp"
	values["fields"] = `[{"name":"code","value":"123456"}]`
	values["attachment_count"] = "0"

	m, err := Decode("1-0", values)
	require.NoError(t, err)
	assert.True(t, m.IsOTP())
	assert.Equal(t, "123456", m.Fields[0].Value)
}

func TestEncodeRetry(t *testing.T) {
	m, err := Decode("1700000000000-0", validEntry())
	require.NoError(t, err)

	values := m.EncodeRetry(m.FailCount + 1)
	assert.Equal(t, "1", values["fail_count"])
	assert.Equal(t, "1700000000000-0", values["original_id"])

	// The envelope must decode back into the same logical message.
	again, err := Decode("1700000000099-0", values)
	require.NoError(t, err)
	assert.Equal(t, m.Hex, again.Hex)
	assert.Equal(t, m.FormID, again.FormID)
	assert.Equal(t, m.Fields, again.Fields)
	assert.Equal(t, 1, again.FailCount)
}

func TestPeekMalformedEntry(t *testing.T) {
	values := validEntry()
	values["fields"] = "{broken"

	assert.Equal(t, "a1b2c3d4a1b2c3d4a1b2c3d4a1b2c3d4", PeekHex(values))
	assert.Equal(t, 2, PeekAttachmentCount(values))

	values["attachment_count"] = "banana"
	assert.Equal(t, 0, PeekAttachmentCount(values))

	delete(values, "hex")
	assert.Equal(t, "", PeekHex(values))
}
