package messaging

import (
	"context"
	"encoding/json"
)

// PublishEvent broadcasts evt on channel.
func PublishEvent(ctx context.Context, b Broker, channel string, evt Event) error {
	return b.Publish(ctx, channel, evt)
}

// SubscribeEvents decodes messages on channel and hands them to handler
// until ctx is cancelled or the broker closes the subscription. Messages
// that do not decode are passed to onError when it is non-nil.
func SubscribeEvents(ctx context.Context, b Broker, channel string, handler func(Event), onError func(error)) error {
	msgChan, err := b.Subscribe(ctx, channel)
	if err != nil {
		return err
	}

	go func() {
		for msg := range msgChan {
			var evt Event
			if err := json.Unmarshal(msg, &evt); err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			handler(evt)
		}
	}()

	return nil
}
