package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ehrlich-b/deskrelay/internal/store"
	"github.com/ehrlich-b/deskrelay/internal/ws"
)

// ErrNoAgent is returned to in-process command producers when no agent is
// connected. Peers on the wire never see it.
var ErrNoAgent = errors.New("no agent connected")

// SendCommand forwards a controller's command payload, unmodified, to every
// agent as execute_command. It returns how many agents were handed the
// command. The relay does not validate the payload; malformed commands are
// the agent's to reject.
func (r *Relay) SendCommand(from string, raw json.RawMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendCommandLocked(from, raw)
}

func (r *Relay) sendCommandLocked(from string, raw json.RawMessage) int {
	agents := r.Registry.Agents()
	sent := r.broadcastLocked(agents, ws.Forward(ws.TypeExecuteCommand, raw), from)
	r.Traffic.Command()
	r.recordLocked(store.Event{Kind: store.EventCommand, SessionID: from, Role: r.roleOf(from), Detail: clip(raw)})
	if sent == 0 {
		r.log().Debug("command dropped: no agent", "session", from)
	} else {
		r.log().Info("command forwarded", "session", from, "agents", sent)
	}
	return sent
}

// ReportResult forwards an agent's command_result to controllers only. The
// reporting session and every agent are excluded, so a result can never loop
// back into an agent.
func (r *Relay) ReportResult(from string, raw json.RawMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var targets []string
	for _, id := range r.Registry.Controllers() {
		if r.Registry.IsAgent(id) {
			continue
		}
		targets = append(targets, id)
	}
	sent := r.broadcastLocked(targets, ws.Forward(ws.TypeCommandResult, raw), from)
	r.Traffic.Result()
	r.recordLocked(store.Event{Kind: store.EventResult, SessionID: from, Role: r.roleOf(from), Detail: clip(raw)})
	r.log().Debug("command result forwarded", "session", from, "controllers", sent)
	return sent
}

// Submit lets an in-process producer (an issue poller, a script) issue a
// command as if a controller had sent it. Unlike the wire path it reports
// ErrNoAgent so the producer can hold on to work nobody could receive.
func (r *Relay) Submit(ctx context.Context, cmd ws.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cmd.Data == nil {
		cmd.Data = map[string]any{}
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	if r.SendCommand("", raw) == 0 {
		return ErrNoAgent
	}
	return nil
}

const maxDetail = 512

func clip(raw json.RawMessage) string {
	if len(raw) > maxDetail {
		return string(raw[:maxDetail]) + "..."
	}
	return string(raw)
}
