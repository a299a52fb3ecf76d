// Package notify alerts operators about payments that need attention.
// Alerts fan out to every configured sender (Telegram, Discord) and can be
// filtered by event so a channel only carries what its readers act on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Events raised by the payment pipeline.
const (
	EventAuthFailure     = "auth_failure"
	EventBlocked         = "blocked"
	EventFallback        = "fallback"
	EventExecutionRetry  = "execution_retry"
	EventExecutionFailed = "execution_failed"
	EventUnrecorded      = "unrecorded"
)

// Severity orders alerts for senders that can style them.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// severities maps known events to a severity. Unknown events are info.
var severities = map[string]Severity{
	EventAuthFailure:     SeverityCritical,
	EventBlocked:         SeverityCritical,
	EventExecutionFailed: SeverityCritical,
	EventUnrecorded:      SeverityCritical,
	EventExecutionRetry:  SeverityWarning,
	EventFallback:        SeverityWarning,
}

// Message is one operator alert.
type Message struct {
	Event    string
	Severity Severity
	Title    string
	Body     string
	Time     time.Time
}

// Sender delivers a Message over one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	// Name identifies the sender in logs, e.g. "telegram".
	Name() string
}

// Notifier dispatches alerts to its senders. Only events in the allowed set
// are forwarded; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
	now     func() time.Time
}

// NewNotifier creates a Notifier that delivers to senders.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
		now:     time.Now,
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify sends an alert for event to every sender concurrently. A failing
// sender does not stop delivery to the others; their errors are joined.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}

	msg := Message{
		Event:    event,
		Severity: severities[event],
		Title:    title,
		Body:     message,
		Time:     n.now().UTC(),
	}

	errs := make([]error, len(n.senders))
	var g errgroup.Group
	for i, s := range n.senders {
		g.Go(func() error {
			if err := s.Send(ctx, msg); err != nil {
				n.logger.ErrorContext(ctx, "sender failed",
					slog.String("sender", s.Name()),
					slog.String("event", event),
					slog.String("error", err.Error()),
				)
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
				return nil
			}
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("event", event),
			)
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// stripURL drops the request URL from a transport error. Both senders carry
// credentials in the URL.
func stripURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return err
}
