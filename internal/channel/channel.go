// Package channel defines the contract between the daemon and its chat
// channels. A channel has two halves: a Listener that feeds user input into
// the daemon, and a Sender the daemon uses to push replies back out.
package channel

import (
	"context"
	"sort"
	"sync"
)

// Incoming is one user message arriving from a channel.
type Incoming struct {
	Source string
	ChatID string
	UserID string
	Text   string
}

// Inbox accepts incoming messages. Deliver returns a synchronous reply for
// daemon-handled commands; conversational replies arrive later through the
// channel's registered Sender.
type Inbox interface {
	Deliver(ctx context.Context, msg Incoming) (reply string, err error)
}

// Sender pushes a reply out through a channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, chatID, content string) error
}

// Listener is the receive side of a channel. Run blocks until ctx is done.
type Listener interface {
	Name() string
	Run(ctx context.Context, inbox Inbox) error
}

// Registry holds the senders for active channels. The daemon's reply
// dispatcher looks up senders by the source recorded on each reply.
type Registry struct {
	mu      sync.Mutex
	senders map[string]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[string]Sender)}
}

// Register adds or replaces the sender for a channel name.
func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	r.senders[s.Name()] = s
	r.mu.Unlock()
}

// Sender returns the sender registered under name.
func (r *Registry) Sender(name string) (Sender, bool) {
	r.mu.Lock()
	s, ok := r.senders[name]
	r.mu.Unlock()
	return s, ok
}

// Names lists registered channel names in stable order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.senders))
	for name := range r.senders {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}
