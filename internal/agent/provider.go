// Package agent is the desktop side of deskrelay: it registers with a relay,
// streams screen frames, and executes the commands controllers send.
package agent

import "context"

// Input drives the local desktop.
type Input interface {
	Type(ctx context.Context, text string) error
	Key(ctx context.Context, key string) error
	Click(ctx context.Context, x, y int, button string) error
	// Scroll moves the wheel by clicks notches; positive is up. x and y of
	// zero scroll wherever the pointer already is.
	Scroll(ctx context.Context, x, y, clicks int) error
	// Focus clicks a named target, such as an input pane.
	Focus(ctx context.Context, target string) error
}

// Capture produces one JPEG frame of the screen.
type Capture interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Provider is everything an agent needs from the desktop.
type Provider interface {
	Input
	Capture
}

// split pairs an Input with a separate Capture, e.g. shell input with
// frames from a watched directory.
type split struct {
	Input
	capturer
}

// capturer aliases Capture so the embedded field is not named Capture,
// which would shadow the promoted Capture method.
type capturer = Capture

// Combine returns a Provider that sends input to in and takes frames from cap.
func Combine(in Input, capture Capture) Provider {
	return split{Input: in, capturer: capture}
}
