// Package promptgate implements capability.Gate for terminal hosts: the user
// is asked on a line-oriented reader and the answer is remembered for the
// lifetime of the Gate.
package promptgate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ggoodman/locshare-go/capability"
)

// Option configures a Gate.
type Option func(*Gate)

// WithRationale sets the explanation printed before asking for c.
func WithRationale(c capability.Capability, text string) Option {
	return func(g *Gate) { g.rationale[c] = text }
}

// Gate asks for capabilities on a terminal.
type Gate struct {
	mu        sync.Mutex
	in        *bufio.Reader
	out       io.Writer
	answers   map[capability.Capability]capability.Status
	rationale map[capability.Capability]string
	pending   *pendingRead
}

// pendingRead is an outstanding answer to the prompt for c. It outlives a
// cancelled Request so the reader is never read concurrently; the next
// Request picks up its answer instead of prompting again.
type pendingRead struct {
	c    capability.Capability
	done chan struct{}
	line string
	err  error
}

// New creates a Gate reading answers from in and writing prompts to out. If
// in is already a *bufio.Reader it is shared as-is so the host can keep
// reading commands from the same reader.
func New(in io.Reader, out io.Writer, opts ...Option) *Gate {
	br, ok := in.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(in)
	}
	g := &Gate{
		in:        br,
		out:       out,
		answers:   make(map[capability.Capability]capability.Status),
		rationale: make(map[capability.Capability]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) Check(ctx context.Context, c capability.Capability) (capability.Status, error) {
	if err := ctx.Err(); err != nil {
		return capability.Undetermined, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.answers[c], nil
}

// Request prompts unless the capability was already granted. End of input
// counts as a denial. When ctx ends first Request returns ctx.Err() and the
// answer, once typed, is applied by the next Request.
func (g *Gate) Request(ctx context.Context, c capability.Capability) (capability.Status, error) {
	for {
		if err := ctx.Err(); err != nil {
			return capability.Undetermined, err
		}
		g.mu.Lock()
		if g.answers[c] == capability.Granted {
			g.mu.Unlock()
			return capability.Granted, nil
		}
		p := g.pending
		if p == nil {
			p = g.promptLocked(c)
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return capability.Undetermined, ctx.Err()
		case <-p.done:
		}
		status, err := g.finish(p)
		if p.c == c {
			return status, err
		}
	}
}

func (g *Gate) promptLocked(c capability.Capability) *pendingRead {
	if text, ok := g.rationale[c]; ok {
		fmt.Fprintln(g.out, text)
	}
	fmt.Fprintf(g.out, "Allow %s access? [y/N]: ", c)

	p := &pendingRead{c: c, done: make(chan struct{})}
	g.pending = p
	go func() {
		p.line, p.err = g.in.ReadString('\n')
		close(p.done)
	}()
	return p
}

// finish records the answer carried by a completed read.
func (g *Gate) finish(p *pendingRead) (capability.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == p {
		g.pending = nil
	}
	if p.err != nil && !errors.Is(p.err, io.EOF) {
		return capability.Undetermined, fmt.Errorf("read answer: %w", p.err)
	}

	status := capability.Denied
	switch strings.ToLower(strings.TrimSpace(p.line)) {
	case "y", "yes":
		status = capability.Granted
	}
	g.answers[p.c] = status
	return status, nil
}

var _ capability.Gate = (*Gate)(nil)
