// Package notify delivers templated account notifications. Delivery never
// blocks the caller: messages go through a buffered Dispatcher.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strconv"
	"sync"
	"text/template"
)

type Kind int

const (
	KindActivationCode Kind = iota + 1
	KindActivated
	KindDeactivationCode
	KindDeactivated
)

func (k Kind) String() string {
	switch k {
	case KindActivationCode:
		return "activation_code"
	case KindActivated:
		return "activated"
	case KindDeactivationCode:
		return "deactivation_code"
	case KindDeactivated:
		return "deactivated"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

type Message struct {
	Kind Kind
	To   string
	Code string
}

// Sender delivers one message synchronously.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Notifier queues a message for delivery.
type Notifier interface {
	Notify(ctx context.Context, m Message)
}

var templates = map[Kind]*template.Template{
	KindActivationCode: template.Must(template.New("activation_code").Parse(
		"Subject: Activate your account\r\n\r\nYour activation code is {{.Code}}. It is valid for 10 minutes.\r\n")),
	KindActivated: template.Must(template.New("activated").Parse(
		"Subject: Account activated\r\n\r\nYour account is now active.\r\n")),
	KindDeactivationCode: template.Must(template.New("deactivation_code").Parse(
		"Subject: Confirm account deletion\r\n\r\nYour confirmation code is {{.Code}}. It is valid for 10 minutes.\r\n")),
	KindDeactivated: template.Must(template.New("deactivated").Parse(
		"Subject: Account deleted\r\n\r\nYour account and its devices have been removed.\r\n")),
}

// Render produces the mail body for m, headers included.
func Render(m Message) ([]byte, error) {
	t, ok := templates[m.Kind]
	if !ok {
		return nil, fmt.Errorf("no template for %s", m.Kind)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LogSender writes messages to the log instead of mailing them.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, m Message) error {
	s.logger.InfoContext(ctx, "notification issued",
		"kind", m.Kind.String(),
		"to", m.To,
		"code", m.Code,
	)
	return nil
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type SMTPSender struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, send: smtp.SendMail}
}

func (s *SMTPSender) Send(ctx context.Context, m Message) error {
	body, err := Render(m)
	if err != nil {
		return err
	}
	msg := append([]byte("From: "+s.cfg.From+"\r\nTo: "+m.To+"\r\n"), body...)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	if err := s.send(addr, auth, s.cfg.From, []string{m.To}, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", m.To, err)
	}
	return nil
}

// Dispatcher delivers messages on a background goroutine. Messages queued
// while the buffer is full are dropped and logged.
type Dispatcher struct {
	sender Sender
	logger *slog.Logger
	queue  chan Message

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(sender Sender, logger *slog.Logger, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	d := &Dispatcher{
		sender: sender,
		logger: logger,
		queue:  make(chan Message, buffer),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Notify(ctx context.Context, m Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- m:
	default:
		d.logger.WarnContext(ctx, "notification dropped", "kind", m.Kind.String(), "to", m.To)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for m := range d.queue {
		if err := d.sender.Send(context.Background(), m); err != nil {
			d.logger.Error("notification failed", "kind", m.Kind.String(), "to", m.To, "error", err)
		}
	}
}

// Close stops accepting messages and waits for the queue to drain or ctx to
// end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
