package smtp

import (
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/formrelay/formrelay/internal/render"
)

// buildMessage assembles the RFC 5322 message: headers plus a
// multipart/alternative body with text and HTML parts, both
// quoted-printable encoded.
func buildMessage(mail *render.Mail, hex, hostname string) ([]byte, error) {
	if mail.FromEmail == "" {
		return nil, fmt.Errorf("missing from address")
	}
	if mail.To == "" {
		return nil, fmt.Errorf("missing recipient address")
	}

	var buf strings.Builder
	var body strings.Builder
	writer := multipart.NewWriter(&body)

	if err := writePart(writer, "text/plain", mail.TextBody); err != nil {
		return nil, err
	}
	if err := writePart(writer, "text/html", mail.HTMLBody); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	writeHeader(&buf, "From", formatAddress(mail.FromName, mail.FromEmail))
	writeHeader(&buf, "To", mail.To)
	if mail.ReplyTo != "" {
		writeHeader(&buf, "Reply-To", mail.ReplyTo)
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", mail.Subject))
	writeHeader(&buf, "Message-ID", messageID(hex, hostname))
	writeHeader(&buf, "Date", time.Now().Format(time.RFC1123Z))
	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, "Content-Type", `multipart/alternative; boundary="`+writer.Boundary()+`"`)
	buf.WriteString("\r\n")
	buf.WriteString(body.String())

	return []byte(buf.String()), nil
}

func writePart(writer *multipart.Writer, contentType, content string) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", contentType+"; charset=utf-8")
	header.Set("Content-Transfer-Encoding", "quoted-printable")

	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(content)); err != nil {
		return fmt.Errorf("encode %s part: %w", contentType, err)
	}
	return qp.Close()
}

func writeHeader(buf *strings.Builder, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func formatAddress(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", name), email)
}

// messageID derives a stable Message-ID from hex so duplicate deliveries
// of the same submission carry the same id. OTP mails have no hex of
// their own and fall back to a random one.
func messageID(hex, hostname string) string {
	local := hex
	if local == "" || local == "otp" {
		local = uuid.NewString()
	}
	if hostname == "" {
		hostname = "localhost"
	}
	return fmt.Sprintf("<%s@%s>", local, hostname)
}
