package relay

import "sync/atomic"

// TrafficMeter counts what the relay moves. It never throttles: frames are
// fire-and-forget and only the latest one matters.
type TrafficMeter struct {
	framesIn   atomic.Int64
	frameBytes atomic.Int64
	framesOut  atomic.Int64
	bytesOut   atomic.Int64
	commands   atomic.Int64
	results    atomic.Int64
	dropped    atomic.Int64
}

func NewTrafficMeter() *TrafficMeter {
	return &TrafficMeter{}
}

// TrafficSnapshot is the JSON view served on /health.
type TrafficSnapshot struct {
	FramesIn      int64 `json:"frames_in"`
	FrameBytesIn  int64 `json:"frame_bytes_in"`
	FramesOut     int64 `json:"frames_out"`
	FrameBytesOut int64 `json:"frame_bytes_out"`
	Commands      int64 `json:"commands"`
	Results       int64 `json:"results"`
	Dropped       int64 `json:"dropped"`
}

func (m *TrafficMeter) FrameIn(n int) {
	m.framesIn.Add(1)
	m.frameBytes.Add(int64(n))
}

// FramesOut records a frame of n bytes delivered to count sessions.
func (m *TrafficMeter) FramesOut(count, n int) {
	m.framesOut.Add(int64(count))
	m.bytesOut.Add(int64(count) * int64(n))
}

func (m *TrafficMeter) Command() { m.commands.Add(1) }
func (m *TrafficMeter) Result()  { m.results.Add(1) }
func (m *TrafficMeter) Drop()    { m.dropped.Add(1) }

func (m *TrafficMeter) Snapshot() TrafficSnapshot {
	return TrafficSnapshot{
		FramesIn:      m.framesIn.Load(),
		FrameBytesIn:  m.frameBytes.Load(),
		FramesOut:     m.framesOut.Load(),
		FrameBytesOut: m.bytesOut.Load(),
		Commands:      m.commands.Load(),
		Results:       m.results.Load(),
		Dropped:       m.dropped.Load(),
	}
}
