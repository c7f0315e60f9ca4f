package notification

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultAlertSubject = "Motion Detected"
	defaultAlertBody    = "The motion detector detected movement!"
)

// Alert describes one evidence photo to report.
type Alert struct {
	ID             string
	Subject        string
	Body           string
	AttachmentPath string
	Metric         int
	Shot           int
	Shots          int
	At             time.Time
	System         string
}

// NewMotionAlert fills in the standard subject and body.
func NewMotionAlert(system string, metric int, attachment string, at time.Time) Alert {
	return Alert{
		ID:             uuid.NewString(),
		Subject:        defaultAlertSubject,
		Body:           defaultAlertBody,
		AttachmentPath: attachment,
		Metric:         metric,
		At:             at,
		System:         system,
	}
}

// Notifier delivers an alert through one channel.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// SendError tags a delivery failure with the backend that produced it.
type SendError struct {
	Backend string
	Err     error
}

func (e *SendError) Error() string { return fmt.Sprintf("%s: %v", e.Backend, e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// SMTPConfig configures plain SMTP delivery. The defaults match Gmail's
// submission endpoint.
type SMTPConfig struct {
	Host       string
	Port       int
	Sender     string
	Recipient  string
	Password   string
	SystemName string
	Retry      RetryConfig
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier sends the alert photo as an e-mail attachment. The sender
// address doubles as the login user name.
type SMTPNotifier struct {
	cfg      SMTPConfig
	auth     smtp.Auth
	sendMail sendMailFunc
	logger   *zap.Logger
}

func NewSMTPNotifier(cfg SMTPConfig, logger *zap.Logger) (*SMTPNotifier, error) {
	if cfg.Sender == "" || cfg.Password == "" {
		return nil, errors.New("smtp sender and password are required")
	}
	if cfg.Host == "" {
		cfg.Host = "smtp.gmail.com"
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Recipient == "" {
		cfg.Recipient = cfg.Sender
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = zap.L()
	}
	return &SMTPNotifier{
		cfg:      cfg,
		auth:     smtp.PlainAuth("", cfg.Sender, cfg.Password, cfg.Host),
		sendMail: smtp.SendMail,
		logger:   logger.Named("smtp"),
	}, nil
}

// Notify builds the message once and retries delivery on transient errors.
// smtp.SendMail upgrades the connection with STARTTLS when offered.
func (n *SMTPNotifier) Notify(ctx context.Context, a Alert) error {
	msg, err := ComposeAlertEmail(a, n.cfg.Sender, n.cfg.Recipient)
	if err != nil {
		return &SendError{Backend: "smtp", Err: err}
	}

	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	err = SendWithRetry(ctx, n.cfg.Retry, func(context.Context) error {
		err := n.sendMail(addr, n.auth, n.cfg.Sender, []string{n.cfg.Recipient}, msg)
		if isAuthFailure(err) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return &SendError{Backend: "smtp", Err: err}
	}
	n.logger.Info("alert e-mail sent",
		zap.String("alert_id", a.ID),
		zap.String("recipient", n.cfg.Recipient),
		zap.String("attachment", a.AttachmentPath))
	return nil
}

// isAuthFailure reports a 535-class rejection, which retrying cannot fix.
func isAuthFailure(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code == 535 || tpErr.Code == 534 || tpErr.Code == 530
	}
	return false
}

// Fanout delivers to every backend and joins their errors.
type Fanout struct {
	notifiers []Notifier
}

func NewFanout(notifiers ...Notifier) *Fanout {
	f := &Fanout{}
	for _, n := range notifiers {
		if n != nil {
			f.notifiers = append(f.notifiers, n)
		}
	}
	return f
}

func (f *Fanout) Len() int { return len(f.notifiers) }

func (f *Fanout) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
