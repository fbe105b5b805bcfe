package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ehrlich-b/deskrelay/internal/ws"
)

const sessionWriteTimeout = 10 * time.Second

// wsPeer is a WebSocket session. Outbound messages go through a buffered
// queue drained by one writer goroutine.
type wsPeer struct {
	id     string
	conn   *websocket.Conn
	send   chan *ws.Message
	cancel context.CancelFunc
}

func (p *wsPeer) Send(msg *ws.Message) bool {
	select {
	case p.send <- msg:
		return true
	default:
		return false
	}
}

func (p *wsPeer) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.send:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, sessionWriteTimeout)
			err = p.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				p.cancel()
				return
			}
		}
	}
}

// handleWS upgrades the request and runs the session until either side
// closes. Browsers and agents share the endpoint; the role comes from what
// the session sends.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.Relay.log().Warn("websocket accept", "err", err)
		return
	}
	conn.SetReadLimit(s.Config.ReadLimit)
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	peer := &wsPeer{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan *ws.Message, s.Config.SendBuffer),
		cancel: cancel,
	}
	s.track(peer)
	defer s.untrack(peer.id)

	go peer.writeLoop(ctx)
	s.Relay.Connect(peer.id, peer)
	defer s.Relay.Disconnect(peer.id)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.Relay.log().Debug("session read ended", "session", peer.id, "err", err)
			}
			return
		}
		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.Relay.log().Warn("bad message", "session", peer.id, "err", err)
			continue
		}
		s.Relay.HandleMessage(peer.id, &msg)
	}
}

func (s *Server) track(p *wsPeer) {
	s.connMu.Lock()
	s.conns[p.id] = p
	s.connMu.Unlock()
}

func (s *Server) untrack(id string) {
	s.connMu.Lock()
	delete(s.conns, id)
	s.connMu.Unlock()
}

// CloseAll closes every open session with StatusGoingAway so clients
// reconnect to the next relay instance.
func (s *Server) CloseAll() {
	s.connMu.Lock()
	peers := make([]*wsPeer, 0, len(s.conns))
	for _, p := range s.conns {
		peers = append(peers, p)
	}
	s.connMu.Unlock()

	for _, p := range peers {
		p.conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
}
