// Package render turns a form record plus submitted fields into a mail
// ready for the SMTP gateway.
package render

import (
	"errors"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"

	"github.com/microcosm-cc/bluemonday"

	"github.com/formrelay/formrelay/internal/forms"
	"github.com/formrelay/formrelay/internal/message"
)

// Render failures are terminal for a message: the same input renders the
// same way on every attempt, so there is nothing to retry.
var (
	ErrNoHandler    = errors.New("form has no handler")
	ErrNoTemplate   = errors.New("handler has no template")
	ErrEmptySubject = errors.New("rendered subject is empty")
	ErrEmptyBody    = errors.New("rendered body is empty")
)

// Mail is a rendered message ready for submission.
type Mail struct {
	FromName  string
	FromEmail string
	To        string
	ReplyTo   string
	Subject   string
	HTMLBody  string
	TextBody  string

	// Gateway is the per-form SMTP override, nil for the default transport.
	Gateway *forms.Gateway
}

// FieldGroup is one logical field as seen by templates: a single value
// for plain fields, several for "name[]" groups.
type FieldGroup struct {
	Name   string
	Values []template.HTML
}

// Value returns the first value, for templates treating the group as a
// scalar.
func (g FieldGroup) Value() template.HTML {
	if len(g.Values) == 0 {
		return ""
	}
	return g.Values[0]
}

// Renderer renders handler templates. Field values pass through an HTML
// sanitizer before interpolation, so templates may embed them without
// re-escaping.
type Renderer struct {
	policy *bluemonday.Policy
}

// New builds a Renderer with the user-generated-content sanitizer policy.
func New() *Renderer {
	return &Renderer{policy: bluemonday.UGCPolicy()}
}

// Render produces the mail for one submission. attachmentURL is empty when
// the message carries no attachments; otherwise it is the download link
// appended to the body.
func (r *Renderer) Render(form *forms.Form, fields []message.Field, origin, attachmentURL string) (*Mail, error) {
	handler := form.Handler
	if handler == nil {
		return nil, ErrNoHandler
	}
	if handler.Template == nil {
		return nil, ErrNoTemplate
	}

	groups := r.groupFields(fields)
	data := templateData{
		Form:          form.Name,
		Origin:        origin,
		Fields:        groups,
		AttachmentURL: attachmentURL,
		byName:        indexGroups(groups),
	}

	subject, err := renderSubject(handler.Template.Subject, &data)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(subject) == "" {
		return nil, ErrEmptySubject
	}

	htmlBody, err := renderBody(handler.Template.Body, &data)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(htmlBody) == "" {
		return nil, ErrEmptyBody
	}

	return &Mail{
		FromName:  handler.FromName,
		FromEmail: handler.FromEmail,
		To:        handler.To,
		ReplyTo:   handler.ReplyTo,
		Subject:   subject,
		HTMLBody:  htmlBody,
		TextBody:  textBody(groups, origin, attachmentURL),
		Gateway:   handler.Gateway,
	}, nil
}

// OTP synthesizes the fixed one-time-password mail. No template, no
// sanitizer, no attachments.
func OTP(handler *forms.Handler, code string) (*Mail, error) {
	if handler == nil {
		return nil, ErrNoHandler
	}
	subject := "OTP Code: " + code
	return &Mail{
		FromName:  handler.FromName,
		FromEmail: handler.FromEmail,
		To:        handler.To,
		ReplyTo:   handler.ReplyTo,
		Subject:   subject,
		HTMLBody:  fmt.Sprintf("<p>Your one-time code is <strong>%s</strong>.</p>", template.HTMLEscapeString(code)),
		TextBody:  "Your one-time code is " + code + ".",
		Gateway:   handler.Gateway,
	}, nil
}

type templateData struct {
	Form          string
	Origin        string
	Fields        []FieldGroup
	AttachmentURL string
	byName        map[string]FieldGroup
}

// Field looks a group up by name; templates call it as {{field "email"}}.
func (d *templateData) Field(name string) template.HTML {
	return d.byName[name].Value()
}

// groupFields sanitizes every value and folds repeated "name[]" fields
// into one multi-valued group, preserving first-seen order.
func (r *Renderer) groupFields(fields []message.Field) []FieldGroup {
	var order []string
	grouped := make(map[string][]template.HTML)

	for _, f := range fields {
		name := strings.TrimSuffix(f.Name, "[]")
		if _, seen := grouped[name]; !seen {
			order = append(order, name)
		}
		grouped[name] = append(grouped[name], template.HTML(r.policy.Sanitize(f.Value)))
	}

	groups := make([]FieldGroup, len(order))
	for i, name := range order {
		groups[i] = FieldGroup{Name: name, Values: grouped[name]}
	}
	return groups
}

func indexGroups(groups []FieldGroup) map[string]FieldGroup {
	byName := make(map[string]FieldGroup, len(groups))
	for _, g := range groups {
		byName[g.Name] = g
	}
	return byName
}

func renderSubject(tmpl string, data *templateData) (string, error) {
	t, err := texttemplate.New("subject").Funcs(texttemplate.FuncMap{
		"field": func(name string) string { return string(data.Field(name)) },
	}).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse subject template: %w", err)
	}
	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render subject: %w", err)
	}
	return buf.String(), nil
}

func renderBody(tmpl string, data *templateData) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		return defaultBody(data), nil
	}

	t, err := template.New("body").Funcs(template.FuncMap{
		"field": data.Field,
	}).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse body template: %w", err)
	}
	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render body: %w", err)
	}
	return buf.String(), nil
}

// defaultBody renders a plain field table for handlers without a body
// template.
var defaultBodyTemplate = template.Must(template.New("default").Parse(`<table>
{{- range .Fields}}
<tr><th align="left">{{.Name}}</th><td>{{range $i, $v := .Values}}{{if $i}}, {{end}}{{$v}}{{end}}</td></tr>
{{- end}}
<tr><th align="left">origin</th><td>{{.Origin}}</td></tr>
</table>
{{- if .AttachmentURL}}
<p><a href="{{.AttachmentURL}}">Download attachments</a></p>
{{- end}}
`))

func defaultBody(data *templateData) string {
	var buf strings.Builder
	if err := defaultBodyTemplate.Execute(&buf, data); err != nil {
		return ""
	}
	return buf.String()
}

func textBody(groups []FieldGroup, origin, attachmentURL string) string {
	var buf strings.Builder
	for _, g := range groups {
		buf.WriteString(g.Name)
		buf.WriteString(": ")
		for i, v := range g.Values {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(string(v))
		}
		buf.WriteString("\r\n")
	}
	buf.WriteString("origin: " + origin + "\r\n")
	if attachmentURL != "" {
		buf.WriteString("attachments: " + attachmentURL + "\r\n")
	}
	return buf.String()
}
