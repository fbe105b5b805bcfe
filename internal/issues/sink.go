package issues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/deskrelay/internal/logger"
	"github.com/ehrlich-b/deskrelay/internal/relay"
	"github.com/ehrlich-b/deskrelay/internal/ws"
)

// WSSink submits commands to a remote relay as a controller would. Before
// each command it asks the relay's /health whether an agent is connected, so
// comments are held rather than sent into the void.
//
// The relay treats the sink like any browser and fans every frame out to it.
// The connection is therefore closed after IdleTimeout without a command, and
// redialled on the next one.
type WSSink struct {
	RelayURL    string
	Client      *http.Client
	Logger      *slog.Logger
	IdleTimeout time.Duration

	mu     sync.Mutex
	conn   *ws.Conn
	cancel context.CancelFunc
	idle   *time.Timer
}

func NewWSSink(relayURL string) *WSSink {
	return &WSSink{
		RelayURL:    relayURL,
		Client:      &http.Client{Timeout: 10 * time.Second},
		IdleTimeout: 30 * time.Second,
	}
}

// maxFrameSize bounds a /frame.jpg download.
const maxFrameSize = 32 << 20

// Frame downloads the relay's latest frame from /frame.jpg.
func (s *WSSink) Frame(ctx context.Context) ([]byte, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpBase(s.RelayURL)+"/frame.jpg", nil)
	if err != nil {
		return nil, time.Time{}, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("relay frame: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, time.Time{}, ErrNoFrame
	default:
		return nil, time.Time{}, fmt.Errorf("relay frame: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("relay frame: %w", err)
	}
	taken, err := http.ParseTime(resp.Header.Get("Last-Modified"))
	if err != nil {
		taken = time.Now()
	}
	return data, taken, nil
}

func (s *WSSink) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logger.Log
}

func (s *WSSink) Submit(ctx context.Context, cmd ws.Command) error {
	agents, err := s.agents(ctx)
	if err != nil {
		return err
	}
	if agents == 0 {
		return relay.ErrNoAgent
	}
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	if err := conn.Emit(ctx, ws.TypeSendCommand, cmd); err != nil {
		s.drop(conn)
		return fmt.Errorf("send command: %w", err)
	}
	s.armIdle(conn)
	return nil
}

// armIdle (re)starts the timer that hangs up an unused connection.
func (s *WSSink) armIdle(conn *ws.Conn) {
	if s.IdleTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	if s.idle != nil {
		s.idle.Stop()
	}
	s.idle = time.AfterFunc(s.IdleTimeout, func() {
		s.log().Debug("closing idle relay connection")
		s.drop(conn)
	})
}

// Close disconnects from the relay.
func (s *WSSink) Close() error {
	s.mu.Lock()
	conn, cancel := s.conn, s.cancel
	s.conn, s.cancel = nil, nil
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *WSSink) agents(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpBase(s.RelayURL)+"/health", nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("relay health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("relay health: %s", resp.Status)
	}
	var h struct {
		Agents int `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return 0, fmt.Errorf("relay health: %w", err)
	}
	return h.Agents, nil
}

func (s *WSSink) connect(ctx context.Context) (*ws.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	conn, err := ws.Dial(ctx, s.RelayURL, nil)
	if err != nil {
		return nil, err
	}
	readCtx, cancel := context.WithCancel(context.Background())
	s.conn, s.cancel = conn, cancel
	go s.readLoop(readCtx, conn)
	return conn, nil
}

// readLoop logs command results until the connection ends.
func (s *WSSink) readLoop(ctx context.Context, conn *ws.Conn) {
	defer s.drop(conn)
	for {
		msg, err := conn.Read(ctx)
		if errors.Is(err, ws.ErrBadMessage) {
			continue
		}
		if err != nil {
			return
		}
		switch msg.Type {
		case ws.TypeCommandResult:
			var res ws.CommandResult
			if msg.ParsePayload(&res) != nil {
				continue
			}
			if res.Success {
				s.log().Info("desktop executed command", "command", res.Command)
			} else {
				s.log().Warn("desktop rejected command", "command", res.Command, "err", res.Message)
			}
		case ws.TypeAgentDisconnected:
			s.log().Info("desktop agent went away")
		}
	}
}

func (s *WSSink) drop(conn *ws.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.conn, s.cancel = nil, nil
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	s.mu.Unlock()
	cancel()
	conn.CloseNow()
}

// httpBase maps a relay URL in any scheme to its http(s) origin.
func httpBase(u string) string {
	switch {
	case strings.HasPrefix(u, "wss://"):
		u = "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		u = "http://" + strings.TrimPrefix(u, "ws://")
	}
	u = strings.TrimSuffix(u, "/")
	return strings.TrimSuffix(u, "/ws")
}
