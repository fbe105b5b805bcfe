package agent

import (
	"context"
	"fmt"
	"sync"
)

// Action is one input call seen by a RecordingProvider.
type Action struct {
	Kind   string
	Text   string
	X, Y   int
	Button string
	Clicks int
}

func (a Action) String() string {
	switch a.Kind {
	case "type":
		return fmt.Sprintf("type %q", a.Text)
	case "key", "focus":
		return a.Kind + " " + a.Text
	case "click":
		return fmt.Sprintf("click %s (%d,%d)", a.Button, a.X, a.Y)
	case "scroll":
		return fmt.Sprintf("scroll %d (%d,%d)", a.Clicks, a.X, a.Y)
	}
	return a.Kind
}

// RecordingProvider performs nothing and remembers every call. It backs
// --dry-run and tests.
type RecordingProvider struct {
	// Frame is returned by Capture; nil means ErrNoFrame.
	Frame []byte
	// Targets, when set, makes Focus reject unknown names.
	Targets Targets
	// Fail, when set, is returned by every input call.
	Fail error
	// OnAction is called after each recorded call.
	OnAction func(Action)

	mu      sync.Mutex
	actions []Action
}

func (p *RecordingProvider) record(a Action) error {
	if p.Fail != nil {
		return p.Fail
	}
	p.mu.Lock()
	p.actions = append(p.actions, a)
	cb := p.OnAction
	p.mu.Unlock()
	if cb != nil {
		cb(a)
	}
	return nil
}

func (p *RecordingProvider) Type(ctx context.Context, text string) error {
	return p.record(Action{Kind: "type", Text: text})
}

func (p *RecordingProvider) Key(ctx context.Context, key string) error {
	return p.record(Action{Kind: "key", Text: key})
}

func (p *RecordingProvider) Click(ctx context.Context, x, y int, button string) error {
	return p.record(Action{Kind: "click", X: x, Y: y, Button: button})
}

func (p *RecordingProvider) Scroll(ctx context.Context, x, y, clicks int) error {
	return p.record(Action{Kind: "scroll", X: x, Y: y, Clicks: clicks})
}

func (p *RecordingProvider) Focus(ctx context.Context, target string) error {
	if p.Targets != nil {
		if _, err := p.Targets.Lookup(target); err != nil {
			return err
		}
	}
	return p.record(Action{Kind: "focus", Text: target})
}

func (p *RecordingProvider) Capture(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Frame == nil {
		return nil, ErrNoFrame
	}
	return p.Frame, nil
}

// SetFrame replaces the frame Capture returns.
func (p *RecordingProvider) SetFrame(frame []byte) {
	p.mu.Lock()
	p.Frame = frame
	p.mu.Unlock()
}

// Actions returns a copy of everything recorded so far.
func (p *RecordingProvider) Actions() []Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Action(nil), p.actions...)
}
