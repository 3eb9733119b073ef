package messenger

import (
	"context"

	"github.com/butlerhq/butlers/pkg/envelope"
)

// LocalNotifier terminates the notify chain on the Messenger butler itself.
// Its egress tools deliver directly instead of relaying through Switchboard.
type LocalNotifier struct {
	service *Service
}

// NewLocalNotifier adapts the delivery engine to the notify surface.
func NewLocalNotifier(service *Service) *LocalNotifier {
	return &LocalNotifier{service: service}
}

// Notify runs the delivery to a terminal verdict. Delivery failures travel in
// the response envelope, never in the error return.
func (n *LocalNotifier) Notify(ctx context.Context, notify *envelope.Notify) (*envelope.NotifyResponse, error) {
	if err := notify.Validate(); err != nil {
		return nil, err
	}
	return n.service.Deliver(ctx, notify), nil
}
