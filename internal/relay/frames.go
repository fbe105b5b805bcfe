package relay

import (
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/deskrelay/internal/ws"
)

// FrameCache keeps only the most recent screen frame. There is no history:
// every push overwrites the previous frame.
type FrameCache struct {
	mu      sync.RWMutex
	image   string // as received, data-URL prefix included
	jpeg    []byte // decoded; nil when image was not valid base64
	updated time.Time
}

// Store overwrites the cached frame and returns the decoded size. A frame
// that does not decode is still cached for WebSocket replay; only the raw
// JPEG view is cleared.
func (c *FrameCache) Store(image string, at time.Time) (decoded int, ok bool) {
	raw, err := decodeImage(image)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.image = image
	c.updated = at
	if err != nil {
		c.jpeg = nil
		return 0, false
	}
	c.jpeg = raw
	return len(raw), true
}

// Latest returns the cached frame as received.
func (c *FrameCache) Latest() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.image, c.image != ""
}

// JPEG returns the decoded bytes of the cached frame.
func (c *FrameCache) JPEG() ([]byte, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jpeg, c.updated, c.jpeg != nil
}

// UpdatedAt returns when the last frame arrived (zero if never).
func (c *FrameCache) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updated
}

// decodeImage strips an optional "data:image/jpeg;base64," prefix.
func decodeImage(image string) ([]byte, error) {
	if i := strings.IndexByte(image, ','); i >= 0 && strings.HasPrefix(image, "data:") {
		image = image[i+1:]
	}
	return base64.StdEncoding.DecodeString(image)
}

// PushFrame caches a frame from an agent and fans it out to every controller.
// Delivery is fire-and-forget: a controller whose queue is full misses this
// frame and catches up on the next one.
func (r *Relay) PushFrame(from, image string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushFrameLocked(from, image)
}

func (r *Relay) pushFrameLocked(from, image string) {
	if image == "" {
		r.log().Warn("screen update without image", "session", from)
		return
	}
	n, ok := r.Frames.Store(image, r.now())
	if !ok {
		r.log().Warn("screen update is not valid base64; cached for replay only", "session", from)
	}
	r.Traffic.FrameIn(len(image))

	msg := ws.MustMessage(ws.TypeScreenUpdate, ws.ScreenUpdate{Image: image})
	sent := r.broadcastLocked(r.Registry.Controllers(), msg, from)
	r.Traffic.FramesOut(sent, len(image))
	r.log().Debug("frame relayed", "session", from, "bytes", n, "controllers", sent)
}

// RequestFrame asks every agent for a fresh frame. With no agent connected
// the request goes nowhere; the controller simply never gets a frame.
func (r *Relay) RequestFrame(from string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agents := r.Registry.Agents()
	sent := r.broadcastLocked(agents, ws.MustMessage(ws.TypeRequestScreenshot, nil), from)
	r.log().Debug("screenshot requested", "session", from, "agents", sent)
}

// ControllerReady replays the cached frame to one session. Browsers send
// web_client_connected after a reload; agents are told so they can push a
// fresh frame if they want to.
func (r *Relay) ControllerReady(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replayFrameLocked(id)
	r.broadcastLocked(r.Registry.Agents(), ws.MustMessage(ws.TypeWebClientConnected, nil), id)
}

func (r *Relay) replayFrameLocked(id string) {
	image, ok := r.Frames.Latest()
	if !ok {
		return
	}
	if r.sendLocked(id, ws.MustMessage(ws.TypeScreenUpdate, ws.ScreenUpdate{Image: image})) {
		r.Traffic.FramesOut(1, len(image))
		r.log().Debug("cached frame replayed", "session", id)
	}
}
