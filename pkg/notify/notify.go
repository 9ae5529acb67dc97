// Package notify delivers human-facing notifications raised by the
// workflow, such as clarification and review requests.
package notify

import (
	"context"
	"sync"

	"aihive/pkg/logx"
)

// Well-known notification channels.
const (
	ChannelRequester = "requester"
	ChannelReviewer  = "reviewer"
	ChannelOperator  = "operator"
)

// Notification is one message to a human channel.
type Notification struct {
	Channel       string `json:"channel"`
	Subject       string `json:"subject"`
	Body          string `json:"body"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. The default sink until a
// real channel integration is configured.
type LogNotifier struct {
	logger *logx.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logx.NewLogger("notify")}
}

func (n *LogNotifier) Send(_ context.Context, notification Notification) error {
	n.logger.Info("[%s] %s: %s (workflow %s)",
		notification.Channel, notification.Subject, notification.Body, notification.CorrelationID)
	return nil
}

// Recorder captures notifications for tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Send(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of everything recorded so far.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}
