package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Command template names. Each template is an argv whose elements may contain
// {text}, {key}, {x}, {y}, {button}, {clicks}, or {wheel} placeholders.
const (
	TemplateType    = "type"
	TemplateKey     = "key"
	TemplateClick   = "click"
	TemplateMove    = "move"
	TemplateScroll  = "scroll"
	TemplateCapture = "capture"
)

var ErrNoTemplate = errors.New("no command template")

// DefaultTemplates drive an X11 desktop with xdotool and ImageMagick.
func DefaultTemplates() map[string][]string {
	return map[string][]string{
		TemplateType:    {"xdotool", "type", "--delay", "30", "--", "{text}"},
		TemplateKey:     {"xdotool", "key", "--", "{key}"},
		TemplateClick:   {"xdotool", "mousemove", "{x}", "{y}", "click", "{button}"},
		TemplateMove:    {"xdotool", "mousemove", "{x}", "{y}"},
		TemplateScroll:  {"xdotool", "click", "--repeat", "{clicks}", "{wheel}"},
		TemplateCapture: {"import", "-silent", "-window", "root", "-resize", "1280x", "-quality", "70", "jpeg:-"},
	}
}

// ShellProvider runs external commands for every input and capture.
type ShellProvider struct {
	Templates map[string][]string
	Targets   Targets
	Timeout   time.Duration

	run func(ctx context.Context, argv []string) ([]byte, error)
}

// NewShellProvider merges overrides over DefaultTemplates. An override with an
// empty argv disables that action.
func NewShellProvider(overrides map[string][]string, targets Targets) *ShellProvider {
	tpl := DefaultTemplates()
	for k, v := range overrides {
		tpl[k] = v
	}
	return &ShellProvider{Templates: tpl, Targets: targets, Timeout: 10 * time.Second}
}

func (p *ShellProvider) Type(ctx context.Context, text string) error {
	_, err := p.exec(ctx, TemplateType, map[string]string{"text": text})
	return err
}

func (p *ShellProvider) Key(ctx context.Context, key string) error {
	_, err := p.exec(ctx, TemplateKey, map[string]string{"key": xdoKey(key)})
	return err
}

func (p *ShellProvider) Click(ctx context.Context, x, y int, button string) error {
	_, err := p.exec(ctx, TemplateClick, map[string]string{
		"x":      strconv.Itoa(x),
		"y":      strconv.Itoa(y),
		"button": xdoButton(button),
	})
	return err
}

func (p *ShellProvider) Scroll(ctx context.Context, x, y, clicks int) error {
	if x != 0 || y != 0 {
		_, err := p.exec(ctx, TemplateMove, map[string]string{"x": strconv.Itoa(x), "y": strconv.Itoa(y)})
		if err != nil && !errors.Is(err, ErrNoTemplate) {
			return err
		}
	}
	wheel := "4"
	if clicks < 0 {
		wheel = "5"
		clicks = -clicks
	}
	_, err := p.exec(ctx, TemplateScroll, map[string]string{
		"clicks": strconv.Itoa(clicks),
		"wheel":  wheel,
	})
	return err
}

func (p *ShellProvider) Focus(ctx context.Context, target string) error {
	pt, err := p.Targets.Lookup(target)
	if err != nil {
		return err
	}
	return p.Click(ctx, pt.X, pt.Y, "left")
}

func (p *ShellProvider) Capture(ctx context.Context) ([]byte, error) {
	out, err := p.exec(ctx, TemplateCapture, nil)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("capture produced no output")
	}
	return out, nil
}

func (p *ShellProvider) exec(ctx context.Context, name string, vars map[string]string) ([]byte, error) {
	tpl := p.Templates[name]
	if len(tpl) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTemplate, name)
	}
	argv := expand(tpl, vars)
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	run := p.run
	if run == nil {
		run = runCommand
	}
	out, err := run(ctx, argv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

func runCommand(ctx context.Context, argv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return nil, fmt.Errorf("%s: %w", argv[0], err)
	}
	return stdout.Bytes(), nil
}

// expand substitutes placeholders in each argv element. Values are never
// split, so text with spaces stays one argument.
func expand(tpl []string, vars map[string]string) []string {
	argv := make([]string, len(tpl))
	for i, arg := range tpl {
		for k, v := range vars {
			arg = strings.ReplaceAll(arg, "{"+k+"}", v)
		}
		argv[i] = arg
	}
	return argv
}

var xdoKeys = map[string]string{
	"enter":     "Return",
	"return":    "Return",
	"tab":       "Tab",
	"esc":       "Escape",
	"escape":    "Escape",
	"backspace": "BackSpace",
	"delete":    "Delete",
	"space":     "space",
	"up":        "Up",
	"down":      "Down",
	"left":      "Left",
	"right":     "Right",
	"home":      "Home",
	"end":       "End",
	"pageup":    "Prior",
	"pagedown":  "Next",
}

// xdoKey maps browser-style key names ("enter", "ctrl+end") to keysyms.
func xdoKey(key string) string {
	parts := strings.Split(key, "+")
	for i, p := range parts {
		if k, ok := xdoKeys[strings.ToLower(p)]; ok {
			parts[i] = k
		}
	}
	return strings.Join(parts, "+")
}

func xdoButton(button string) string {
	switch strings.ToLower(button) {
	case "middle":
		return "2"
	case "right":
		return "3"
	}
	return "1"
}
