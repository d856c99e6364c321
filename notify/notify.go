package notify

import (
	"bytes"
	"context"
	"sync"
	"text/template"

	"github.com/pkg/errors"

	"github.com/songzhibin97/stepflow/types"
)

// ErrTemplateNotFound is returned for a notification naming an unregistered template.
var ErrTemplateNotFound = errors.New("notification template not found")

// Notifier delivers a step notification. bindings resolve the template macros.
type Notifier interface {
	Notify(ctx context.Context, n types.Notification, bindings map[string]interface{}) error
}

// Message is a rendered notification.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Sender transports a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc is a function adapter for Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

type mailTemplate struct {
	subject *template.Template
	body    *template.Template
}

// MailNotifier renders registered templates and hands them to a Sender.
type MailNotifier struct {
	sender    Sender
	mu        sync.RWMutex
	templates map[string]mailTemplate
}

var _ Notifier = (*MailNotifier)(nil)

func NewMailNotifier(sender Sender) *MailNotifier {
	return &MailNotifier{
		sender:    sender,
		templates: make(map[string]mailTemplate),
	}
}

// RegisterTemplate parses subject and body as text/template sources under name.
func (m *MailNotifier) RegisterTemplate(name, subject, body string) error {
	st, err := template.New(name + ".subject").Option("missingkey=zero").Parse(subject)
	if err != nil {
		return errors.Wrapf(err, "parse subject of template %s", name)
	}
	bt, err := template.New(name + ".body").Option("missingkey=zero").Parse(body)
	if err != nil {
		return errors.Wrapf(err, "parse body of template %s", name)
	}
	m.mu.Lock()
	m.templates[name] = mailTemplate{subject: st, body: bt}
	m.mu.Unlock()
	return nil
}

// Notify renders the template named by n and sends it to n.Recipients.
// A notification without recipients is a no-op.
func (m *MailNotifier) Notify(ctx context.Context, n types.Notification, bindings map[string]interface{}) error {
	if len(n.Recipients) == 0 {
		return nil
	}
	m.mu.RLock()
	tmpl, ok := m.templates[n.Template]
	m.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrTemplateNotFound, "template=%s", n.Template)
	}

	var subject, body bytes.Buffer
	if err := tmpl.subject.Execute(&subject, bindings); err != nil {
		return errors.Wrapf(err, "render subject of template %s", n.Template)
	}
	if err := tmpl.body.Execute(&body, bindings); err != nil {
		return errors.Wrapf(err, "render body of template %s", n.Template)
	}

	msg := Message{
		To:      append([]string(nil), n.Recipients...),
		Subject: subject.String(),
		Body:    body.String(),
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		return errors.WithMessagef(err, "send template %s", n.Template)
	}
	return nil
}
