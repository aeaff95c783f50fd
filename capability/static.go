package capability

import (
	"context"
	"sync"
)

// Static is a Gate whose answers are set programmatically. Scripted request
// answers are consumed in order; once exhausted, Request returns the default
// answer. A Granted or Denied answer is remembered and reported by Check,
// mirroring how platforms remember a user's choice.
type Static struct {
	mu            sync.Mutex
	statuses      map[Capability]Status
	answers       map[Capability][]Status
	defaultAnswer Status
	requests      map[Capability]int
	checks        map[Capability]int
}

// NewStatic creates a gate where every capability starts Undetermined and
// unscripted requests resolve to defaultAnswer.
func NewStatic(defaultAnswer Status) *Static {
	return &Static{
		statuses:      make(map[Capability]Status),
		answers:       make(map[Capability][]Status),
		defaultAnswer: defaultAnswer,
		requests:      make(map[Capability]int),
		checks:        make(map[Capability]int),
	}
}

// SetStatus sets what Check reports for c.
func (g *Static) SetStatus(c Capability, s Status) {
	g.mu.Lock()
	g.statuses[c] = s
	g.mu.Unlock()
}

// AnswerNext queues the answer for the next Request of c.
func (g *Static) AnswerNext(c Capability, s Status) {
	g.mu.Lock()
	g.answers[c] = append(g.answers[c], s)
	g.mu.Unlock()
}

// Requests returns how many times c was requested.
func (g *Static) Requests(c Capability) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[c]
}

// Checks returns how many times c was checked.
func (g *Static) Checks(c Capability) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checks[c]
}

func (g *Static) Check(ctx context.Context, c Capability) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Undetermined, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks[c]++
	return g.statuses[c], nil
}

func (g *Static) Request(ctx context.Context, c Capability) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Undetermined, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests[c]++

	answer := g.defaultAnswer
	if q := g.answers[c]; len(q) > 0 {
		answer = q[0]
		g.answers[c] = q[1:]
	}
	if answer == Undetermined {
		// A resolved request never stays undetermined.
		answer = Denied
	}
	g.statuses[c] = answer
	return answer, nil
}

var _ Gate = (*Static)(nil)
