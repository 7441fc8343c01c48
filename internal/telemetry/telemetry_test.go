package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounters_Get(t *testing.T) {
	var c Counters
	var p Provider = &c

	tm := p.Get()
	assert.Empty(t, tm.State)
	assert.Zero(t, tm.BytesRead)

	c.SetConnection("connected", "/dev/ttyUSB0")
	c.BytesRead.Add(25)
	c.FramesDecoded.Add(1)
	c.Reconnects.Add(2)

	tm = p.Get()
	assert.Equal(t, "connected", tm.State)
	assert.Equal(t, "/dev/ttyUSB0", tm.Port)
	assert.Equal(t, uint64(25), tm.BytesRead)
	assert.Equal(t, uint64(1), tm.FramesDecoded)
	assert.Equal(t, uint64(2), tm.Reconnects)
	assert.False(t, tm.Timestamp.IsZero())
}
