// Package issues turns comments on a GitHub issue into paste commands for the
// desktop agent, so a phone with the GitHub app can drive the desktop.
package issues

import (
	"strings"

	"github.com/ehrlich-b/deskrelay/internal/ws"
)

const (
	noEnterPrefix  = "noenter:"
	screenshotWord = "screenshot"

	// ReplyMarker tags comments the poller writes so it never obeys itself.
	ReplyMarker = "<!-- deskrelay:reply -->"
)

// DefaultTargets are the pane names used when no targets file is configured.
var DefaultTargets = []string{"upper", "lower"}

// Instruction is what one comment asks for.
type Instruction struct {
	Target string
	Text   string
	Enter  bool
	// Screenshot asks for the current frame to be posted back to the issue
	// instead of pasting anything.
	Screenshot bool
}

// Command converts the instruction to the paste command agents execute.
func (in Instruction) Command() ws.Command {
	return ws.Command{
		Command: ws.CommandPaste,
		Data: map[string]any{
			"target": in.Target,
			"text":   in.Text,
			"enter":  in.Enter,
		},
	}
}

// Parse reads a comment body. "noenter:" suppresses the trailing Enter; a
// leading "<target>:" picks the pane, matched case-insensitively against
// targets. Without a target prefix the whole body goes to defaultTarget.
// A comment whose last line is "screenshot" (or "/screenshot") is a
// screenshot request. ok is false when there is nothing to do, including for
// the poller's own replies.
func Parse(body string, targets []string, defaultTarget string) (Instruction, bool) {
	s := strings.TrimSpace(body)
	in := Instruction{Target: defaultTarget, Enter: true}

	if strings.Contains(s, ReplyMarker) {
		return in, false
	}
	if isScreenshotRequest(s) {
		in.Screenshot = true
		return in, true
	}

	if len(s) >= len(noEnterPrefix) && strings.EqualFold(s[:len(noEnterPrefix)], noEnterPrefix) {
		in.Enter = false
		s = strings.TrimSpace(s[len(noEnterPrefix):])
	}

	if i := strings.IndexByte(s, ':'); i > 0 {
		name := strings.TrimSpace(s[:i])
		for _, t := range targets {
			if strings.EqualFold(name, t) {
				in.Target = t
				s = strings.TrimSpace(s[i+1:])
				break
			}
		}
	}

	in.Text = s
	return in, in.Text != ""
}

// isScreenshotRequest matches the request comments phones post: free text
// (time, sender, note) followed by a final "screenshot" line.
func isScreenshotRequest(s string) bool {
	last := s
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		last = s[i+1:]
	}
	last = strings.TrimPrefix(strings.TrimSpace(last), "/")
	return strings.EqualFold(last, screenshotWord)
}
