package notificator

import (
	"context"
	"runtime/debug"

	"github.com/blockspeak/orchestrator/pkg/logger"
)

// Channel delivers one alert to one destination.
type Channel interface {
	Send(ctx context.Context, message string) error
	Name() string
}

// Notificator fans operator alerts out to every configured channel. Alerts
// are best effort: a failing channel is logged and never fails the caller.
type Notificator struct {
	logger   *logger.Logger
	channels []Channel
}

func NewNotificator(logger *logger.Logger, channels ...Channel) *Notificator {
	return &Notificator{logger: logger, channels: channels}
}

// safeCall runs a function with panic recovery (synchronous, no goroutine spawning)
func (n *Notificator) safeCall(fn func(), context string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Notify implements models.NotificationService.
func (n *Notificator) Notify(ctx context.Context, message string) {
	n.logger.Warn("Operator alert", "message", message)
	for _, ch := range n.channels {
		ch := ch
		n.safeCall(func() {
			if err := ch.Send(ctx, message); err != nil {
				n.logger.Error("Failed to send alert", "channel", ch.Name(), "error", err)
			}
		}, ch.Name())
	}
}
