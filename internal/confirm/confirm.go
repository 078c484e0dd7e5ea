// Package confirm resolves AskUser decisions by asking a human.
//
// The Gate is the only place in the damage-control path that blocks. It
// presents a Prompt to a Confirmer and turns the answer into a final
// Allow or Block. Anything other than an explicit yes within the timeout
// (a no, a timeout, a cancelled context, a confirmer error, or no
// confirmer at all) is a Block with cause user_denied.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arosstale/pi-pai/internal/engine"
)

// Title is shown on every confirmation prompt.
const Title = "PAI Damage Control"

// DefaultTimeout bounds how long a prompt waits for an answer.
const DefaultTimeout = 30 * time.Second

// ErrNoConfirmer is reported when an AskUser decision arrives and no
// confirmation surface is configured.
var ErrNoConfirmer = errors.New("no confirmer configured")

// Prompt is one question put to the user.
type Prompt struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Tool     string    `json:"tool"`
	Text     string    `json:"text"`   // literal command or path
	Reason   string    `json:"reason"` // rule reason
	Created  time.Time `json:"created"`
	Deadline time.Time `json:"deadline"`
}

// NewPrompt builds the prompt for an AskUser decision.
func NewPrompt(action engine.Action, d engine.Decision) Prompt {
	label := "Command"
	if _, ok := action.(engine.FileAction); ok {
		label = "Path"
	}
	return Prompt{
		ID:      uuid.NewString(),
		Title:   Title,
		Message: fmt.Sprintf("Dangerous: %s\n%s: %s\n\nAllow?", d.Reason, label, action.Text()),
		Tool:    action.Tool(),
		Text:    action.Text(),
		Reason:  d.Reason,
		Created: time.Now(),
	}
}

// Confirmer asks the user a yes/no question. Implementations should
// return when ctx is done; the Gate does not wait for them past that.
type Confirmer interface {
	Confirm(ctx context.Context, p Prompt) (bool, error)
}

// Func adapts a function to the Confirmer interface.
type Func func(ctx context.Context, p Prompt) (bool, error)

func (f Func) Confirm(ctx context.Context, p Prompt) (bool, error) { return f(ctx, p) }

// Static answers every prompt the same way. Used for non-interactive
// runs (`pai hook --yes`) and tests.
type Static bool

func (s Static) Confirm(context.Context, Prompt) (bool, error) { return bool(s), nil }

// Result classifies how a prompt was resolved.
type Result string

const (
	ResultAllowed     Result = "allowed"
	ResultDenied      Result = "denied"
	ResultTimeout     Result = "timeout"
	ResultCanceled    Result = "canceled"
	ResultError       Result = "error"
	ResultNoConfirmer Result = "no_confirmer"
)

// Gate turns AskUser decisions into Allow or Block.
type Gate struct {
	confirmer Confirmer
	timeout   time.Duration

	// OnResult, if set, is called once per resolved prompt.
	OnResult func(Result)
}

// NewGate returns a Gate. A nil confirmer denies every prompt; a
// non-positive timeout means DefaultTimeout.
func NewGate(c Confirmer, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{confirmer: c, timeout: timeout}
}

// Timeout returns the per-prompt timeout.
func (g *Gate) Timeout() time.Duration { return g.timeout }

// Resolve returns d unchanged unless it is AskUser. For AskUser it asks
// the confirmer and returns Allow on an explicit yes, otherwise Block
// with cause user_denied. The returned decision is never AskUser.
func (g *Gate) Resolve(ctx context.Context, action engine.Action, d engine.Decision) engine.Decision {
	if d.Outcome != engine.AskUser {
		return d
	}

	denied := engine.Decision{
		Outcome:     engine.Block,
		Reason:      engine.DeniedReason(d.Reason),
		Cause:       engine.CauseUserDenied,
		CommandRule: d.CommandRule,
		PathRule:    d.PathRule,
	}

	if g == nil || g.confirmer == nil {
		slog.Warn("confirmation required but no confirmer configured", "tool", action.Tool(), "reason", d.Reason)
		g.observe(ResultNoConfirmer)
		return denied
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	p := NewPrompt(action, d)
	p.Deadline, _ = ctx.Deadline()

	type answer struct {
		ok  bool
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		ok, err := g.confirmer.Confirm(ctx, p)
		ch <- answer{ok, err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			slog.Info("confirmation timed out", "prompt", p.ID, "timeout", g.timeout)
			g.observe(ResultTimeout)
		} else {
			slog.Info("confirmation cancelled", "prompt", p.ID)
			g.observe(ResultCanceled)
		}
		return denied

	case a := <-ch:
		switch {
		case a.err != nil:
			slog.Warn("confirmation failed", "prompt", p.ID, "error", a.err)
			g.observe(ResultError)
			return denied
		case !a.ok:
			g.observe(ResultDenied)
			return denied
		}
		g.observe(ResultAllowed)
		return engine.Decision{
			Outcome:     engine.Allow,
			Reason:      d.Reason,
			CommandRule: d.CommandRule,
			PathRule:    d.PathRule,
		}
	}
}

func (g *Gate) observe(r Result) {
	if g != nil && g.OnResult != nil {
		g.OnResult(r)
	}
}

// Any asks every confirmer at once and returns the first answer. The
// others are cancelled. It fails only when every confirmer fails.
func Any(cs ...Confirmer) Confirmer {
	return Func(func(ctx context.Context, p Prompt) (bool, error) {
		if len(cs) == 0 {
			return false, ErrNoConfirmer
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		type answer struct {
			ok  bool
			err error
		}
		ch := make(chan answer, len(cs))
		for _, c := range cs {
			go func(c Confirmer) {
				ok, err := c.Confirm(ctx, p)
				ch <- answer{ok, err}
			}(c)
		}

		var errs []error
		for range cs {
			select {
			case a := <-ch:
				if a.err == nil {
					return a.ok, nil
				}
				errs = append(errs, a.err)
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
		return false, errors.Join(errs...)
	})
}
