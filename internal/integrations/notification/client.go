package notification

import (
	"context"

	"github.com/BearBump/ParcelFlow/internal/models"
)

type Notification struct {
	Channel   models.Channel `json:"channel"`
	Template  string         `json:"template"`
	Recipient models.Contact `json:"recipient"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sender delivers a notification over its channel. Transport is up to the
// implementation.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}
