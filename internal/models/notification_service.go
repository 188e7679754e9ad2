package models

import "context"

// NotificationService delivers operator alerts.
type NotificationService interface {
	Notify(ctx context.Context, message string)
}
