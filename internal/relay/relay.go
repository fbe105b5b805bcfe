package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ehrlich-b/deskrelay/internal/logger"
	"github.com/ehrlich-b/deskrelay/internal/store"
	"github.com/ehrlich-b/deskrelay/internal/ws"
)

// Peer is the outbound half of a session. Send must not block: it queues the
// message or drops it and returns false.
type Peer interface {
	Send(msg *ws.Message) bool
}

// Recorder persists relay events. *store.Store satisfies it.
type Recorder interface {
	Append(ev store.Event) error
}

// Relay routes frames and commands between controllers and agents.
//
// Every event handler runs under one mutex, so a registry change and the
// broadcast it triggers are atomic with respect to other sessions. Handlers
// never block on I/O: peer sends are queue-or-drop and audit records go
// through a buffered queue.
type Relay struct {
	Registry *Registry
	Frames   *FrameCache
	Traffic  *TrafficMeter

	mu     sync.Mutex
	peers  map[string]Peer
	audit  *auditQueue
	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty relay. A nil logger uses the process logger.
func New(log *slog.Logger) *Relay {
	return &Relay{
		Registry: NewRegistry(),
		Frames:   &FrameCache{},
		Traffic:  NewTrafficMeter(),
		peers:    make(map[string]Peer),
		logger:   log,
		now:      time.Now,
	}
}

// SetRecorder starts recording connect, register, disconnect, command, and
// result events. Call before serving; Close flushes the queue.
func (r *Relay) SetRecorder(rec Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.audit != nil {
		r.audit.close()
	}
	r.audit = newAuditQueue(rec, 256, r.log())
}

// Close flushes pending audit records. The relay keeps routing afterwards,
// it just stops recording.
func (r *Relay) Close() {
	r.mu.Lock()
	q := r.audit
	r.audit = nil
	r.mu.Unlock()
	if q != nil {
		q.close()
	}
}

func (r *Relay) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return logger.Log
}

// sendLocked queues msg for one session.
func (r *Relay) sendLocked(id string, msg *ws.Message) bool {
	p, ok := r.peers[id]
	if !ok {
		return false
	}
	if !p.Send(msg) {
		r.Traffic.Drop()
		r.log().Debug("send queue full, message dropped", "session", id, "event", msg.Type)
		return false
	}
	return true
}

// broadcastLocked queues msg for every id except exclude and returns how many
// sessions accepted it.
func (r *Relay) broadcastLocked(ids []string, msg *ws.Message, exclude string) int {
	n := 0
	for _, id := range ids {
		if id == exclude {
			continue
		}
		if r.sendLocked(id, msg) {
			n++
		}
	}
	return n
}

func (r *Relay) roleOf(id string) string {
	if id == "" {
		return "local"
	}
	role, _ := r.Registry.Role(id)
	return string(role)
}

func (r *Relay) recordLocked(ev store.Event) {
	if r.audit == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = r.now()
	}
	r.audit.push(ev)
}

// auditQueue moves store writes off the routing path.
type auditQueue struct {
	rec  Recorder
	ch   chan store.Event
	done chan struct{}
	log  *slog.Logger
}

func newAuditQueue(rec Recorder, size int, log *slog.Logger) *auditQueue {
	q := &auditQueue{
		rec:  rec,
		ch:   make(chan store.Event, size),
		done: make(chan struct{}),
		log:  log,
	}
	go q.run()
	return q
}

func (q *auditQueue) run() {
	defer close(q.done)
	for ev := range q.ch {
		if err := q.rec.Append(ev); err != nil {
			q.log.Warn("audit append failed", "kind", ev.Kind, "err", err)
		}
	}
}

func (q *auditQueue) push(ev store.Event) {
	select {
	case q.ch <- ev:
	default:
		q.log.Warn("audit queue full, event dropped", "kind", ev.Kind)
	}
}

func (q *auditQueue) close() {
	close(q.ch)
	<-q.done
}
