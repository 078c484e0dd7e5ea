package confirm

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arosstale/pi-pai/internal/engine"
)

var askRule = &engine.CommandRule{Pattern: `git\s+branch\s+-D`, Reason: "force deletes branch", Ask: true}

func askDecision() engine.Decision {
	return engine.Decision{Outcome: engine.AskUser, Reason: askRule.Reason, Cause: engine.CauseRule, CommandRule: askRule}
}

var branchDelete = engine.BashAction{Command: "git branch -D feature"}

// results records Gate.OnResult calls.
type results struct {
	mu  sync.Mutex
	got []Result
}

func (r *results) add(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, res)
}

func (r *results) list() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result{}, r.got...)
}

func TestGate_PassesThroughFinalDecisions(t *testing.T) {
	a := assert.New(t)

	// given - a gate whose confirmer must never be called
	called := false
	g := NewGate(Func(func(context.Context, Prompt) (bool, error) {
		called = true
		return true, nil
	}), time.Second)

	// when/then - allow and block decisions are returned unchanged
	allow := engine.Decision{Outcome: engine.Allow}
	block := engine.Decision{Outcome: engine.Block, Reason: "r", Cause: engine.CauseRule}
	a.Equal(allow, g.Resolve(context.Background(), branchDelete, allow))
	a.Equal(block, g.Resolve(context.Background(), branchDelete, block))
	a.False(called)
}

func TestGate_ConfirmedAllows(t *testing.T) {
	a := assert.New(t)

	rec := &results{}
	g := NewGate(Static(true), time.Second)
	g.OnResult = rec.add

	d := g.Resolve(context.Background(), branchDelete, askDecision())

	a.Equal(engine.Allow, d.Outcome)
	a.Same(askRule, d.CommandRule)
	a.Equal([]Result{ResultAllowed}, rec.list())
}

func TestGate_DeniedBlocks(t *testing.T) {
	a := assert.New(t)

	rec := &results{}
	g := NewGate(Static(false), time.Second)
	g.OnResult = rec.add

	d := g.Resolve(context.Background(), branchDelete, askDecision())

	a.Equal(engine.Block, d.Outcome)
	a.Equal(engine.CauseUserDenied, d.Cause)
	a.Contains(d.Reason, "force deletes branch")
	a.Contains(d.Reason, engine.NoRetry)
	a.Equal([]Result{ResultDenied}, rec.list())
}

func TestGate_TimeoutBlocks(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	// given - a confirmer that never answers and ignores its context
	never := make(chan struct{})
	defer close(never)
	rec := &results{}
	g := NewGate(Func(func(context.Context, Prompt) (bool, error) {
		<-never
		return true, nil
	}), 50*time.Millisecond)
	g.OnResult = rec.add

	// when
	start := time.Now()
	d := g.Resolve(context.Background(), branchDelete, askDecision())
	elapsed := time.Since(start)

	// then - blocked as user_denied once the timeout elapses
	r.Equal(engine.Block, d.Outcome)
	a.Equal(engine.CauseUserDenied, d.Cause)
	a.GreaterOrEqual(elapsed, 50*time.Millisecond)
	a.Less(elapsed, 2*time.Second)
	a.Equal([]Result{ResultTimeout}, rec.list())
}

func TestGate_CancelledContextBlocks(t *testing.T) {
	a := assert.New(t)

	rec := &results{}
	g := NewGate(Func(func(ctx context.Context, _ Prompt) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}), time.Minute)
	g.OnResult = rec.add

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	d := g.Resolve(ctx, branchDelete, askDecision())

	a.Equal(engine.Block, d.Outcome)
	a.Equal(engine.CauseUserDenied, d.Cause)
	a.Less(time.Since(start), 5*time.Second)
	a.Equal([]Result{ResultCanceled}, rec.list())
}

func TestGate_ConfirmerErrorBlocks(t *testing.T) {
	a := assert.New(t)

	g := NewGate(Func(func(context.Context, Prompt) (bool, error) {
		return true, errors.New("tty gone")
	}), time.Second)

	d := g.Resolve(context.Background(), branchDelete, askDecision())
	a.Equal(engine.Block, d.Outcome)
	a.Equal(engine.CauseUserDenied, d.Cause)
}

func TestGate_NoConfirmerBlocks(t *testing.T) {
	a := assert.New(t)

	rec := &results{}
	g := NewGate(nil, 0)
	g.OnResult = rec.add

	a.Equal(DefaultTimeout, g.Timeout())
	d := g.Resolve(context.Background(), branchDelete, askDecision())
	a.Equal(engine.Block, d.Outcome)
	a.Equal(engine.CauseUserDenied, d.Cause)
	a.Equal([]Result{ResultNoConfirmer}, rec.list())

	var nilGate *Gate
	a.Equal(engine.Block, nilGate.Resolve(context.Background(), branchDelete, askDecision()).Outcome)
}

func TestGate_PromptContents(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	var got Prompt
	g := NewGate(Func(func(_ context.Context, p Prompt) (bool, error) {
		got = p
		return false, nil
	}), time.Second)
	g.Resolve(context.Background(), branchDelete, askDecision())

	r.NotEmpty(got.ID)
	a.Equal(Title, got.Title)
	a.Equal("git branch -D feature", got.Text)
	a.Contains(got.Message, "force deletes branch")
	a.Contains(got.Message, "Command: git branch -D feature")
	a.False(got.Deadline.IsZero())

	p := NewPrompt(engine.FileAction{Op: engine.OpWrite, Path: "/etc/hosts"}, engine.Decision{Reason: "r"})
	a.Contains(p.Message, "Path: /etc/hosts")
	a.Equal("write", p.Tool)
}

// --- Broker ---

func TestBroker_RespondUnblocks(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	// given - a broker with a prompt listener
	b := NewBroker()
	notified := make(chan Prompt, 1)
	b.OnPrompt(func(p Prompt) { notified <- p })

	// when - Confirm is called in a goroutine
	resultCh := make(chan bool, 1)
	go func() {
		ok, err := b.Confirm(context.Background(), Prompt{ID: "p-1", Title: Title})
		if err == nil {
			resultCh <- ok
		}
	}()

	// then - the prompt is announced and pending
	select {
	case p := <-notified:
		a.Equal("p-1", p.ID)
	case <-time.After(time.Second):
		t.Fatal("prompt was not announced")
	}
	r.Len(b.Pending(), 1)

	// when - the dashboard answers
	r.NoError(b.Respond("p-1", true))

	select {
	case ok := <-resultCh:
		a.True(ok)
	case <-time.After(time.Second):
		t.Fatal("Confirm should return after Respond")
	}
	r.Eventually(func() bool { return len(b.Pending()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestBroker_UnknownPrompt(t *testing.T) {
	b := NewBroker()
	assert.ErrorIs(t, b.Respond("missing", true), ErrUnknownPrompt)
}

func TestBroker_TimeoutThroughGate(t *testing.T) {
	r := require.New(t)
	a := assert.New(t)

	b := NewBroker()
	var id string
	var mu sync.Mutex
	b.OnPrompt(func(p Prompt) {
		mu.Lock()
		id = p.ID
		mu.Unlock()
	})

	g := NewGate(b, 30*time.Millisecond)
	d := g.Resolve(context.Background(), branchDelete, askDecision())
	a.Equal(engine.Block, d.Outcome)
	a.Equal(engine.CauseUserDenied, d.Cause)

	// A late answer is rejected and the prompt is gone.
	r.Eventually(func() bool { return len(b.Pending()) == 0 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	late := id
	mu.Unlock()
	a.ErrorIs(b.Respond(late, true), ErrUnknownPrompt)
}

func TestBroker_PendingOrder(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := time.Now()
	for i, id := range []string{"second", "first", "third"} {
		created := base.Add(time.Duration([]int{2, 1, 3}[i]) * time.Millisecond)
		go b.Confirm(ctx, Prompt{ID: id, Created: created})
	}
	require.Eventually(t, func() bool { return len(b.Pending()) == 3 }, time.Second, 5*time.Millisecond)

	var ids []string
	for _, p := range b.Pending() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"first", "second", "third"}, ids)
}

// --- Terminal ---

func TestTerminal_Answers(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"  y  \n", true},
		{"n\n", false},
		{"\n", false},
		{"sure\n", false},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			term := NewTerminal(strings.NewReader(tt.input), &out)

			ok, err := term.Confirm(context.Background(), Prompt{Title: Title, Message: "Dangerous: x\nCommand: y\n\nAllow?"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.Contains(t, out.String(), Title)
			assert.Contains(t, out.String(), "[y/N]")
		})
	}
}

func TestTerminal_EOF(t *testing.T) {
	term := NewTerminal(strings.NewReader(""), &bytes.Buffer{})
	ok, err := term.Confirm(context.Background(), Prompt{Title: Title})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestTerminal_SequentialPrompts(t *testing.T) {
	term := NewTerminal(strings.NewReader("n\ny\n"), &bytes.Buffer{})

	first, err := term.Confirm(context.Background(), Prompt{Title: Title})
	require.NoError(t, err)
	second, err := term.Confirm(context.Background(), Prompt{Title: Title})
	require.NoError(t, err)

	assert.False(t, first)
	assert.True(t, second)
}

// --- Any ---

func TestAny_FirstAnswerWins(t *testing.T) {
	blocked := Func(func(ctx context.Context, _ Prompt) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})

	ok, err := Any(blocked, Static(true)).Confirm(context.Background(), Prompt{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAny_AllFail(t *testing.T) {
	failing := Func(func(context.Context, Prompt) (bool, error) { return false, ErrNoTerminal })

	_, err := Any(failing, failing).Confirm(context.Background(), Prompt{})
	assert.ErrorIs(t, err, ErrNoTerminal)

	_, err = Any().Confirm(context.Background(), Prompt{})
	assert.ErrorIs(t, err, ErrNoConfirmer)
}
