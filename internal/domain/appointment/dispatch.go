package appointment

import "context"

// JSONPublisher publishes a value as JSON under a routing key.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, routingKey string, v interface{}) error
}

// QueueDispatcher publishes transitions for the payment worker to consume.
type QueueDispatcher struct {
	Publisher JSONPublisher
}

func (d QueueDispatcher) Dispatch(ctx context.Context, msg Transitioned) error {
	return d.Publisher.PublishJSON(ctx, TransitionedRoutingKey, msg)
}
