package fake

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BearBump/ParcelFlow/internal/integrations/notification"
)

// FakeSender only logs; real SMS/email/WhatsApp transports live outside.
type FakeSender struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func New() *FakeSender { return &FakeSender{} }

func (f *FakeSender) Send(ctx context.Context, n notification.Notification) error {
	f.mu.Lock()
	f.sent = append(f.sent, n)
	f.mu.Unlock()

	slog.Info("notification sent", "channel", n.Channel, "template", n.Template, "recipient", n.Recipient.Name)
	return nil
}

func (f *FakeSender) Sent() []notification.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notification.Notification(nil), f.sent...)
}
