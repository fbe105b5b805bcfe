package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ehrlich-b/deskrelay/internal/ws"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingField   = errors.New("missing field")
)

const defaultScrollClicks = 3

// Execute runs one command against the desktop and reports how it went.
// Malformed commands come back as failed results; Execute never panics on
// controller input.
func Execute(ctx context.Context, in Input, cmd ws.Command) ws.CommandResult {
	res := ws.CommandResult{Command: cmd.Command}
	if err := execute(ctx, in, cmd); err != nil {
		res.Message = err.Error()
		return res
	}
	res.Success = true
	return res
}

func execute(ctx context.Context, in Input, cmd ws.Command) error {
	switch cmd.Command {
	case ws.CommandType:
		text := cmd.String("text")
		if text == "" {
			return fmt.Errorf("%w: text", ErrMissingField)
		}
		return in.Type(ctx, text)

	case ws.CommandKey:
		key := cmd.String("key")
		if key == "" {
			return fmt.Errorf("%w: key", ErrMissingField)
		}
		return in.Key(ctx, key)

	case ws.CommandClick:
		x, okX := cmd.Int("x")
		y, okY := cmd.Int("y")
		if !okX || !okY {
			return fmt.Errorf("%w: x and y", ErrMissingField)
		}
		button := cmd.String("button")
		if button == "" {
			button = "left"
		}
		return in.Click(ctx, x, y, button)

	case ws.CommandScroll:
		clicks, err := scrollClicks(cmd)
		if err != nil {
			return err
		}
		x, _ := cmd.Int("x")
		y, _ := cmd.Int("y")
		return in.Scroll(ctx, x, y, clicks)

	case ws.CommandFocus:
		target := cmd.String("target")
		if target == "" {
			return fmt.Errorf("%w: target", ErrMissingField)
		}
		return in.Focus(ctx, target)

	case ws.CommandPaste:
		text := cmd.String("text")
		if text == "" {
			return fmt.Errorf("%w: text", ErrMissingField)
		}
		if target := cmd.String("target"); target != "" {
			if err := in.Focus(ctx, target); err != nil {
				return fmt.Errorf("focus %s: %w", target, err)
			}
		}
		if err := in.Type(ctx, text); err != nil {
			return err
		}
		if cmd.Bool("enter", true) {
			return in.Key(ctx, "enter")
		}
		return nil

	case "":
		return fmt.Errorf("%w: command", ErrMissingField)
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Command)
}

// scrollClicks reads direction as either a signed notch count or "up"/"down"
// with an optional amount.
func scrollClicks(cmd ws.Command) (int, error) {
	if n, ok := cmd.Int("direction"); ok {
		if n == 0 {
			return 0, fmt.Errorf("%w: direction", ErrMissingField)
		}
		return n, nil
	}
	amount, ok := cmd.Int("amount")
	if !ok || amount <= 0 {
		amount = defaultScrollClicks
	}
	switch strings.ToLower(cmd.String("direction")) {
	case "up":
		return amount, nil
	case "down":
		return -amount, nil
	}
	return 0, fmt.Errorf("%w: direction", ErrMissingField)
}
