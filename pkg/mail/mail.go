// Package mail defines the boundary to the out-of-scope mail dispatcher.
//
// The billing core only decides whether to send a message and with what
// context; rendering and delivery happen elsewhere. A Message is the
// (template, recipients, context) tuple handed across that boundary.
package mail

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Message is a single notification handed to the dispatcher
type Message struct {
	Subject  string
	Template string
	To       []string
	Context  map[string]interface{}
}

// Dispatcher delivers messages. Implementations must be safe for
// concurrent use.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *Message) error
}

// LogDispatcher logs messages instead of delivering them. Used in
// development and as the default when no mail backend is configured.
type LogDispatcher struct {
	logger *logrus.Logger
}

// NewLogDispatcher creates a dispatcher that only logs
func NewLogDispatcher(logger *logrus.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Dispatch logs the message and returns nil
func (d *LogDispatcher) Dispatch(_ context.Context, msg *Message) error {
	d.logger.WithFields(logrus.Fields{
		"template":   msg.Template,
		"subject":    msg.Subject,
		"recipients": len(msg.To),
	}).Info("mail dispatched")
	return nil
}

// NopDispatcher discards all messages, for tests
type NopDispatcher struct{}

// Dispatch discards the message
func (NopDispatcher) Dispatch(context.Context, *Message) error { return nil }
