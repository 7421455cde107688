// Package memory is an in-process Broker. Every subscriber of a channel
// receives every message published on it, including the publisher's own.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jwalitptl/syncqueue/pkg/messaging"
)

const subscriberBuffer = 64

type subscriber struct {
	ch   chan []byte
	done <-chan struct{}
}

type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscriber]struct{})}
}

var _ messaging.Broker = (*Broker)(nil)

func (b *Broker) Publish(ctx context.Context, channel string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return messaging.ErrClosed
	}

	for sub := range b.subs[channel] {
		select {
		case sub.ch <- payload:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, messaging.ErrClosed
	}

	sub := &subscriber{ch: make(chan []byte, subscriberBuffer), done: ctx.Done()}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*subscriber]struct{})
	}
	b.subs[channel][sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.remove(channel, sub)
	}()

	return sub.ch, nil
}

func (b *Broker) remove(channel string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[channel][sub]; !ok {
		return
	}
	delete(b.subs[channel], sub)
	close(sub.ch)
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			close(sub.ch)
		}
	}
	b.subs = make(map[string]map[*subscriber]struct{})
	return nil
}
