package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/deskrelay/internal/logger"
	"github.com/ehrlich-b/deskrelay/internal/ws"
)

const (
	defaultHeartbeat    = 30 * time.Second
	reconnectBase       = time.Second
	maxReconnectDelay   = 30 * time.Second
	commandQueueSize    = 32
	commandFrameSettle  = 300 * time.Millisecond
	registrationTimeout = 10 * time.Second
)

// Watcher signals when a new frame is ready without being asked, e.g. a
// DirCapture whose directory just received a screenshot.
type Watcher interface {
	Watch(ctx context.Context, onFrame func()) error
}

// Agent keeps one desktop registered with a relay.
type Agent struct {
	RelayURL string
	Provider Provider
	Header   http.Header

	// FrameInterval pushes a frame periodically; zero pushes only on request,
	// after commands, and when Watcher fires.
	FrameInterval time.Duration
	Heartbeat     time.Duration
	Watcher       Watcher
	ReadLimit     int64

	Logger        *slog.Logger
	OnStateChange func(state string, err error)
}

func (a *Agent) log() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return logger.Log
}

func (a *Agent) notifyState(state string, err error) {
	if a.OnStateChange != nil {
		a.OnStateChange(state, err)
	}
}

// Run connects to the relay and serves commands until ctx is cancelled,
// reconnecting with exponential backoff. It returns ws.ErrAuthRejected if the
// relay refuses the handshake.
func (a *Agent) Run(ctx context.Context) error {
	if a.Provider == nil {
		return errors.New("agent: no provider")
	}
	backoff := ws.NewBackoff(reconnectBase, maxReconnectDelay)
	backoff.Jitter = 0.2
	for {
		a.notifyState("connecting", nil)
		registered, err := a.session(ctx)
		if ctx.Err() != nil {
			a.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		}
		if errors.Is(err, ws.ErrAuthRejected) {
			a.notifyState("auth_failed", err)
			return err
		}
		if registered {
			backoff.Reset()
		}
		delay := backoff.Next()
		a.notifyState("disconnected", err)
		a.log().Warn("relay disconnected, reconnecting", "err", err, "delay", delay, "attempt", backoff.Attempts())
		select {
		case <-ctx.Done():
			a.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session runs one connection. registered reports whether the relay
// acknowledged the registration before the connection ended.
func (a *Agent) session(ctx context.Context) (registered bool, err error) {
	conn, err := ws.Dial(ctx, a.RelayURL, &ws.DialOptions{Header: a.Header, ReadLimit: a.ReadLimit})
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()

	if err := conn.Emit(ctx, ws.TypeRegisterAgent, nil); err != nil {
		return false, fmt.Errorf("register: %w", err)
	}

	s := &agentSession{
		agent:    a,
		conn:     conn,
		commands: make(chan ws.Command, commandQueueSize),
		frames:   make(chan struct{}, 1),
		ready:    make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.commandLoop(gctx) })
	g.Go(func() error { return s.frameLoop(gctx) })
	g.Go(func() error { return s.heartbeatLoop(gctx) })
	g.Go(func() error {
		// The relay answers register_local_client immediately; a relay that
		// never does is not one we can serve.
		select {
		case <-s.ready:
			return nil
		case <-gctx.Done():
			return nil
		case <-time.After(registrationTimeout):
			return errors.New("no registration acknowledgement")
		}
	})
	if a.FrameInterval > 0 {
		g.Go(func() error { return s.tickLoop(gctx) })
	}
	if a.Watcher != nil {
		g.Go(func() error {
			err := a.Watcher.Watch(gctx, s.requestFrame)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	err = g.Wait()
	return s.isReady(), err
}

type agentSession struct {
	agent    *Agent
	conn     *ws.Conn
	commands chan ws.Command
	frames   chan struct{}
	ready    chan struct{}
}

func (s *agentSession) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// requestFrame asks the frame loop for a capture. Requests made while one is
// pending collapse into it.
func (s *agentSession) requestFrame() {
	select {
	case s.frames <- struct{}{}:
	default:
	}
}

func (s *agentSession) readLoop(ctx context.Context) error {
	log := s.agent.log()
	for {
		msg, err := s.conn.Read(ctx)
		if errors.Is(err, ws.ErrBadMessage) {
			log.Warn("bad message from relay", "err", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch msg.Type {
		case ws.TypeConnectionConfirmed:
			var cc ws.ConnectionConfirmed
			msg.ParsePayload(&cc)
			log.Debug("relay connection confirmed", "session", cc.ClientID)

		case ws.TypeRegistrationSuccess:
			var rs ws.RegistrationSuccess
			msg.ParsePayload(&rs)
			if !s.isReady() {
				close(s.ready)
				s.agent.notifyState("connected", nil)
				s.requestFrame()
			}
			log.Info("registered with relay", "session", rs.ClientID, "status", rs.Status)

		case ws.TypeExecuteCommand:
			var cmd ws.Command
			if err := msg.ParsePayload(&cmd); err != nil {
				log.Warn("bad execute_command", "err", err)
				s.reply(ctx, ws.CommandResult{Message: "malformed command: " + err.Error()})
				continue
			}
			select {
			case s.commands <- cmd:
			default:
				log.Warn("command queue full, rejecting", "command", cmd.Command)
				s.reply(ctx, ws.CommandResult{Command: cmd.Command, Message: "agent busy"})
			}

		case ws.TypeRequestScreenshot, ws.TypeScreenshotRequest, ws.TypeWebClientConnected:
			s.requestFrame()

		case ws.TypeScreenUpdate, ws.TypeServerHeartbeat, ws.TypePong:
			// Connect-time frame replay and liveness replies; nothing to do.

		case ws.TypeError:
			var e ws.ErrorMsg
			msg.ParsePayload(&e)
			log.Warn("relay error", "message", e.Message)

		default:
			log.Debug("unhandled relay event", "event", msg.Type)
		}
	}
}

// commandLoop executes commands one at a time, in arrival order.
func (s *agentSession) commandLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-s.commands:
			res := Execute(ctx, s.agent.Provider, cmd)
			if res.Success {
				s.agent.log().Info("command executed", "command", cmd.Command)
			} else {
				s.agent.log().Warn("command failed", "command", cmd.Command, "err", res.Message)
			}
			if err := s.reply(ctx, res); err != nil {
				return err
			}
			// Let the desktop repaint before showing the result.
			time.AfterFunc(commandFrameSettle, s.requestFrame)
		}
	}
}

func (s *agentSession) reply(ctx context.Context, res ws.CommandResult) error {
	if err := s.conn.Emit(ctx, ws.TypeCommandResult, res); err != nil {
		return fmt.Errorf("send result: %w", err)
	}
	return nil
}

func (s *agentSession) frameLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.frames:
			if err := s.pushFrame(ctx); err != nil {
				return err
			}
		}
	}
}

// pushFrame captures and sends one frame. Capture failures are logged and
// skipped; only a broken connection ends the session.
func (s *agentSession) pushFrame(ctx context.Context) error {
	jpeg, err := s.agent.Provider.Capture(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoFrame) {
			s.agent.log().Warn("capture failed", "err", err)
		}
		return nil
	}
	image := base64.StdEncoding.EncodeToString(jpeg)
	if err := s.conn.Emit(ctx, ws.TypeScreenUpdate, ws.ScreenUpdate{Image: image}); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	s.agent.log().Debug("frame pushed", "bytes", len(jpeg))
	return nil
}

func (s *agentSession) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.agent.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.requestFrame()
		}
	}
}

func (s *agentSession) heartbeatLoop(ctx context.Context) error {
	interval := s.agent.Heartbeat
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.conn.Emit(ctx, ws.TypeClientHeartbeat, nil); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}
