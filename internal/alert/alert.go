// Package alert delivers operator notifications for conditions that need a
// human: verifiers that stopped answering, daemons whose templates no longer
// match the expected layout, and blobs the codec can no longer convert.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/coinpool/pkg/errors"
	"github.com/bardlex/coinpool/pkg/log"
)

// Kind classifies an alert.
type Kind string

const (
	KindVerifierFailure        Kind = "verifier_failure"
	KindReservedOffsetMismatch Kind = "reserved_offset_mismatch"
	KindBlobConversionFailure  Kind = "blob_conversion_failure"
	KindDaemonUnavailable      Kind = "daemon_unavailable"
)

// Alert is one operator notification.
type Alert struct {
	Kind      Kind
	Recipient string
	Subject   string
	Body      string
	Port      int // 0 when the alert is not tied to a coin
	Time      time.Time
}

// Sender delivers alerts. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, a Alert) error
}

// Newf builds an alert stamped with the current time.
func Newf(kind Kind, port int, subject, format string, args ...any) Alert {
	return Alert{
		Kind:    kind,
		Subject: subject,
		Body:    fmt.Sprintf(format, args...),
		Port:    port,
		Time:    time.Now(),
	}
}

// LogSender writes alerts to the structured log. It is the sender of last
// resort and never fails.
type LogSender struct {
	logger    *log.Logger
	recipient string
}

// NewLogSender creates a sender that logs at error level.
func NewLogSender(logger *log.Logger, recipient string) *LogSender {
	return &LogSender{logger: log.OrNop(logger).WithComponent("alert"), recipient: recipient}
}

// Send implements Sender.
func (s *LogSender) Send(_ context.Context, a Alert) error {
	recipient := a.Recipient
	if recipient == "" {
		recipient = s.recipient
	}
	s.logger.Error("operator alert",
		"kind", string(a.Kind),
		"recipient", recipient,
		"subject", a.Subject,
		"body", a.Body,
		"port", a.Port,
	)
	return nil
}

// Multi fans an alert out to every sender. All senders are attempted; the
// failures are joined.
type Multi []Sender

// Send implements Sender.
func (m Multi) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Wrap(errors.Join(errs...), errors.ErrorTypeMessaging, "alert.send",
		fmt.Sprintf("%d of %d alert sinks failed", len(errs), len(m))).
		WithContext("kind", string(a.Kind))
}

// Nop discards alerts.
type Nop struct{}

// Send implements Sender.
func (Nop) Send(context.Context, Alert) error { return nil }

// OrNop returns s, or a Nop sender when s is nil.
func OrNop(s Sender) Sender {
	if s == nil {
		return Nop{}
	}
	return s
}
