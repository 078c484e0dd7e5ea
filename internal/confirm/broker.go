package confirm

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownPrompt is returned by Respond for an ID that is not pending,
// either because it never existed or because it already resolved.
var ErrUnknownPrompt = errors.New("unknown or expired prompt")

// Broker is a Confirmer answered out of band, by the dashboard over
// REST or websocket. Each Confirm call parks a prompt in the pending map
// until Respond is called with its ID or the context ends.
type Broker struct {
	mu        sync.Mutex
	pending   map[string]*pendingPrompt
	listeners []func(Prompt)
}

type pendingPrompt struct {
	prompt Prompt
	answer chan bool // buffered, so a late Respond never blocks
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{pending: make(map[string]*pendingPrompt)}
}

// OnPrompt registers fn to be called when a new prompt starts waiting.
func (b *Broker) OnPrompt(fn func(Prompt)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Confirm blocks until Respond is called for the prompt or ctx is done.
func (b *Broker) Confirm(ctx context.Context, p Prompt) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	pp := &pendingPrompt{prompt: p, answer: make(chan bool, 1)}

	b.mu.Lock()
	b.pending[p.ID] = pp
	listeners := append([]func(Prompt){}, b.listeners...)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, p.ID)
		b.mu.Unlock()
	}()

	for _, fn := range listeners {
		fn(p)
	}

	select {
	case ok := <-pp.answer:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Respond answers a pending prompt.
func (b *Broker) Respond(id string, allow bool) error {
	b.mu.Lock()
	pp, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return ErrUnknownPrompt
	}

	select {
	case pp.answer <- allow:
		return nil
	default:
		// Already answered.
		return ErrUnknownPrompt
	}
}

// Pending returns the waiting prompts, oldest first.
func (b *Broker) Pending() []Prompt {
	b.mu.Lock()
	out := make([]Prompt, 0, len(b.pending))
	for _, pp := range b.pending {
		out = append(out, pp.prompt)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}
