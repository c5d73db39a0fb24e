// Package memory implements a Provider that keeps received messages in an
// in-memory FIFO spool. It is intended for tests and embedding.
package memory

import (
	"context"
	"sync"

	"github.com/shineum/smtp-receiver-lite/internal/email"
)

// Provider spools messages in arrival order.
type Provider struct {
	mu       sync.Mutex
	messages []*email.Message

	// notify is closed and replaced whenever a message arrives.
	notify chan struct{}
}

// New creates an empty memory spool.
func New() *Provider {
	return &Provider{notify: make(chan struct{})}
}

// Send appends msg to the spool. It never fails.
func (p *Provider) Send(_ context.Context, msg *email.Message) error {
	p.mu.Lock()
	p.messages = append(p.messages, msg)
	close(p.notify)
	p.notify = make(chan struct{})
	p.mu.Unlock()
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "memory"
}

// Next removes and returns the oldest message, or nil if the spool is empty.
func (p *Provider) Next() *email.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.messages) == 0 {
		return nil
	}
	msg := p.messages[0]
	p.messages[0] = nil
	p.messages = p.messages[1:]
	return msg
}

// Wait blocks until a message is available and removes it, or returns the
// context error.
func (p *Provider) Wait(ctx context.Context) (*email.Message, error) {
	for {
		p.mu.Lock()
		if len(p.messages) > 0 {
			msg := p.messages[0]
			p.messages[0] = nil
			p.messages = p.messages[1:]
			p.mu.Unlock()
			return msg, nil
		}
		notify := p.notify
		p.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of spooled messages.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

// Clear discards all spooled messages.
func (p *Provider) Clear() {
	p.mu.Lock()
	p.messages = nil
	p.mu.Unlock()
}
