package relay

import (
	"github.com/ehrlich-b/deskrelay/internal/store"
	"github.com/ehrlich-b/deskrelay/internal/ws"
)

// Connect attaches a new transport session. The session gets a
// connection_confirmed handshake, takes the default controller role, and
// receives the cached frame if there is one. A session that is really an
// agent registers a moment later and is moved out of the controller set.
func (r *Relay) Connect(id string, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.peers[id] = p
	r.Registry.Connect(id)
	r.sendLocked(id, ws.MustMessage(ws.TypeConnectionConfirmed, ws.ConnectionConfirmed{
		Status:     "connected",
		ClientID:   id,
		ServerTime: ws.ServerTime(now),
	}))
	r.Registry.RegisterController(id)
	r.replayFrameLocked(id)
	r.recordLocked(store.Event{Kind: store.EventConnect, SessionID: id, Time: now})

	c, a, total := r.Registry.Counts()
	r.log().Info("session connected", "session", id, "controllers", c, "agents", a, "total", total)
}

// RegisterAgent marks a session as the desktop agent and tells every
// controller an agent is present. A duplicate registration is acknowledged as
// already_registered and still re-broadcasts presence.
func (r *Relay) RegisterAgent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	already := r.Registry.RegisterAgent(id)

	status := "registered"
	if already {
		status = "already_registered"
	}
	r.sendLocked(id, ws.MustMessage(ws.TypeRegistrationSuccess, ws.RegistrationSuccess{
		Status:   status,
		ClientID: id,
	}))
	sent := r.broadcastLocked(r.Registry.Controllers(), ws.MustMessage(ws.TypeAgentConnected, nil), id)
	if !already {
		r.recordLocked(store.Event{Kind: store.EventRegister, SessionID: id, Role: string(RoleAgent)})
	}
	r.log().Info("agent registered", "session", id, "status", status, "controllers_notified", sent)
}

// Disconnect removes a session. When the last agent leaves, every remaining
// controller is told exactly once. Unknown ids are ignored.
func (r *Relay) Disconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
	role, lastAgent, ok := r.Registry.Remove(id)
	if !ok {
		return
	}
	r.recordLocked(store.Event{Kind: store.EventDisconnect, SessionID: id, Role: string(role)})
	if lastAgent {
		sent := r.broadcastLocked(r.Registry.Controllers(), ws.MustMessage(ws.TypeAgentDisconnected, nil), id)
		r.log().Info("last agent disconnected", "session", id, "controllers_notified", sent)
		return
	}
	r.log().Info("session disconnected", "session", id, "role", role)
}

// HandleMessage dispatches one inbound message from session id. Unknown
// event types and undecodable payloads are logged and dropped; nothing is
// ever sent back as an error.
func (r *Relay) HandleMessage(id string, msg *ws.Message) {
	switch msg.Type {
	case ws.TypeRegisterAgent:
		r.RegisterAgent(id)

	case ws.TypeScreenUpdate, ws.TypeScreenshotData:
		var su ws.ScreenUpdate
		if err := msg.ParsePayload(&su); err != nil {
			r.log().Warn("bad screen_update", "session", id, "err", err)
			return
		}
		r.PushFrame(id, su.Image)

	case ws.TypeRequestScreenshot:
		r.RequestFrame(id)

	case ws.TypeWebClientConnected:
		r.ControllerReady(id)

	case ws.TypeSendCommand:
		r.SendCommand(id, msg.Data)

	case ws.TypeCommandResult:
		r.ReportResult(id, msg.Data)

	case ws.TypePing:
		r.reply(id, ws.MustMessage(ws.TypePong, nil))

	case ws.TypeClientHeartbeat:
		r.reply(id, ws.MustMessage(ws.TypeServerHeartbeat, ws.ServerHeartbeat{
			ServerTime: ws.ServerTime(r.now()),
			ClientID:   id,
		}))

	default:
		r.log().Debug("unknown event", "session", id, "event", msg.Type)
	}
}

func (r *Relay) reply(id string, msg *ws.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendLocked(id, msg)
}
