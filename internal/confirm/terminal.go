package confirm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// ErrNoTerminal means there is no controlling terminal to prompt on, as
// when the host runs `pai hook` with stdin and stdout piped and no tty.
var ErrNoTerminal = errors.New("no controlling terminal")

// Terminal prompts on a terminal and reads a y/N answer. Prompts are
// serialized: a second Confirm waits for the first to finish.
type Terminal struct {
	out    io.Writer
	closer io.Closer

	mu    sync.Mutex // one prompt at a time
	once  sync.Once
	in    io.Reader
	lines chan string
	eof   chan struct{}
}

// OpenTerminal opens the controlling terminal (/dev/tty). It works even
// when stdin and stdout carry the hook payload.
func OpenTerminal() (*Terminal, error) {
	f, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoTerminal, err)
	}
	if !term.IsTerminal(int(f.Fd())) {
		f.Close()
		return nil, ErrNoTerminal
	}
	t := NewTerminal(f, f)
	t.closer = f
	return t, nil
}

// NewTerminal returns a Terminal reading answers from in and writing
// prompts to out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{
		in:    in,
		out:   out,
		lines: make(chan string, 1),
		eof:   make(chan struct{}),
	}
}

// Close releases the terminal opened by OpenTerminal.
func (t *Terminal) Close() error {
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// Confirm writes the prompt and waits for a line. Only "y" or "yes"
// (any case) is a yes.
func (t *Terminal) Confirm(ctx context.Context, p Prompt) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A single reader goroutine outlives each prompt: a read blocked on
	// the terminal cannot be interrupted, only abandoned.
	t.once.Do(func() { go t.readLines() })

	wait := ""
	if !p.Deadline.IsZero() {
		wait = fmt.Sprintf(" (%ds)", int(time.Until(p.Deadline).Round(time.Second).Seconds()))
	}
	fmt.Fprintf(t.out, "\n🛡️  %s\n%s [y/N]%s: ", p.Title, p.Message, wait)

	select {
	case line := <-t.lines:
		return isYes(line), nil
	case <-t.eof:
		// The last line may still be buffered.
		select {
		case line := <-t.lines:
			return isYes(line), nil
		default:
			return false, io.ErrUnexpectedEOF
		}
	case <-ctx.Done():
		fmt.Fprintln(t.out, "\n(no answer, blocked)")
		return false, ctx.Err()
	}
}

func (t *Terminal) readLines() {
	scanner := bufio.NewScanner(t.in)
	for scanner.Scan() {
		t.lines <- scanner.Text()
	}
	close(t.eof)
}

func isYes(line string) bool {
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
