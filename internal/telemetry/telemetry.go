package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Telemetry is a point-in-time view of the device session counters
type Telemetry struct {
	Timestamp         time.Time `json:"timestamp"`         // When the snapshot was taken
	State             string    `json:"state"`             // Connection state
	Port              string    `json:"port,omitempty"`    // Serial port in use, empty when disconnected
	BytesRead         uint64    `json:"bytesRead"`         // Raw bytes read from the analyzer
	BytesDiscarded    uint64    `json:"bytesDiscarded"`    // Bytes dropped while resynchronising
	FramesDecoded     uint64    `json:"framesDecoded"`     // Checksum-valid frames
	FramesInvalid     uint64    `json:"framesInvalid"`     // Candidate frames rejected
	PayloadsMalformed uint64    `json:"payloadsMalformed"` // Valid frames with an undecodable payload
	QueriesSent       uint64    `json:"queriesSent"`       // Queries written to the analyzer
	QueriesExpired    uint64    `json:"queriesExpired"`    // Queries that got no response in time
	Reconnects        uint64    `json:"reconnects"`        // Transitions back to connecting after a failure
}

// Counters accumulates session telemetry. It is safe for concurrent use.
type Counters struct {
	BytesRead         atomic.Uint64
	BytesDiscarded    atomic.Uint64
	FramesDecoded     atomic.Uint64
	FramesInvalid     atomic.Uint64
	PayloadsMalformed atomic.Uint64
	QueriesSent       atomic.Uint64
	QueriesExpired    atomic.Uint64
	Reconnects        atomic.Uint64

	mu    sync.Mutex
	state string
	port  string
}

// SetConnection records the connection state and port.
func (c *Counters) SetConnection(state, port string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state, c.port = state, port
}

// Get implements Provider.
func (c *Counters) Get() *Telemetry {
	c.mu.Lock()
	state, port := c.state, c.port
	c.mu.Unlock()

	return &Telemetry{
		Timestamp:         time.Now(),
		State:             state,
		Port:              port,
		BytesRead:         c.BytesRead.Load(),
		BytesDiscarded:    c.BytesDiscarded.Load(),
		FramesDecoded:     c.FramesDecoded.Load(),
		FramesInvalid:     c.FramesInvalid.Load(),
		PayloadsMalformed: c.PayloadsMalformed.Load(),
		QueriesSent:       c.QueriesSent.Load(),
		QueriesExpired:    c.QueriesExpired.Load(),
		Reconnects:        c.Reconnects.Load(),
	}
}
