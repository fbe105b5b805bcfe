package relay

import (
	"sort"
	"sync"
	"time"
)

// Role is what a session does on the relay.
type Role string

const (
	RoleUnassigned Role = "unassigned"
	RoleController Role = "controller" // browser: views frames, sends commands
	RoleAgent      Role = "agent"      // desktop: pushes frames, executes commands
)

// Session is one live transport connection.
type Session struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Registry is the single source of truth for which session plays which role.
// Each id maps to exactly one role, so a session can never be a controller
// and an agent at the same time.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Connect records a new session with no role yet. Connecting an id that is
// already known leaves it untouched.
func (r *Registry) Connect(id string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = &Session{ID: id, Role: RoleUnassigned, ConnectedAt: r.now()}
		r.sessions[id] = s
	}
	return *s
}

// RegisterController gives a session the default controller role. Agents
// keep their role; unknown ids are added. Returns true if the session is a
// controller afterwards.
func (r *Registry) RegisterController(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		r.sessions[id] = &Session{ID: id, Role: RoleController, ConnectedAt: r.now()}
		return true
	}
	if s.Role == RoleAgent {
		return false
	}
	s.Role = RoleController
	return true
}

// RegisterAgent moves a session to the agent role. already reports whether
// it was an agent before the call.
func (r *Registry) RegisterAgent(id string) (already bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		r.sessions[id] = &Session{ID: id, Role: RoleAgent, ConnectedAt: r.now()}
		return false
	}
	already = s.Role == RoleAgent
	s.Role = RoleAgent
	return already
}

// Remove forgets a session. lastAgent is true when the removed session was an
// agent and no other agent remains. Unknown ids are a no-op with ok=false.
func (r *Registry) Remove(id string) (role Role, lastAgent bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return "", false, false
	}
	delete(r.sessions, id)
	if s.Role != RoleAgent {
		return s.Role, false, true
	}
	for _, other := range r.sessions {
		if other.Role == RoleAgent {
			return RoleAgent, false, true
		}
	}
	return RoleAgent, true, true
}

// Role returns the session's current role.
func (r *Registry) Role(id string) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return "", false
	}
	return s.Role, true
}

// IsAgent reports whether id is currently registered as an agent.
func (r *Registry) IsAgent(id string) bool {
	role, _ := r.Role(id)
	return role == RoleAgent
}

// Controllers returns controller ids in a stable order.
func (r *Registry) Controllers() []string {
	return r.withRole(RoleController)
}

// Agents returns agent ids in a stable order.
func (r *Registry) Agents() []string {
	return r.withRole(RoleAgent)
}

func (r *Registry) withRole(role Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, s := range r.sessions {
		if s.Role == role {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Counts returns the number of controllers, agents, and all sessions.
func (r *Registry) Counts() (controllers, agents, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		switch s.Role {
		case RoleController:
			controllers++
		case RoleAgent:
			agents++
		}
	}
	return controllers, agents, len(r.sessions)
}

// Sessions returns a snapshot of every session, oldest first.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
