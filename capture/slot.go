package capture

import (
	"sync"

	"github.com/CK6170/fruitell-go/models"
)

// candidateSlot holds the one telemetry record currently awaiting a
// label. Last write wins: the operator always labels the freshest
// qualifying reading, never a backlog. The consumer loop is the only
// writer; UI surfaces may peek concurrently.
type candidateSlot struct {
	mu  sync.Mutex
	rec models.TelemetryRecord
	ok  bool
}

func (c *candidateSlot) put(rec models.TelemetryRecord) {
	c.mu.Lock()
	c.rec, c.ok = rec, true
	c.mu.Unlock()
}

func (c *candidateSlot) take() (models.TelemetryRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.rec, c.ok
	c.ok = false
	return rec, ok
}

func (c *candidateSlot) peek() (models.TelemetryRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec, c.ok
}
