package runner

import (
	"context"
	"sync"

	"github.com/sageloop/sage/internal/agent/memory"
	"github.com/sageloop/sage/internal/logging"
)

// Collector batches memory collection during a turn so persistence
// writes happen once, after the response is already on its way out.
type Collector struct {
	mu      sync.Mutex
	engine  *memory.Engine
	pending []collected
}

type collected struct {
	sessionID string
	source    string
	content   string
}

// NewCollector creates a collector over the memory engine
func NewCollector(engine *memory.Engine) *Collector {
	return &Collector{engine: engine}
}

// Add queues one collection
func (c *Collector) Add(sessionID, source, content string) {
	if content == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, collected{sessionID: sessionID, source: source, content: content})
}

// Flush writes every queued collection. Failures log and drop; memory
// collection never fails a turn.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, item := range batch {
		if err := c.engine.Collect(ctx, item.sessionID, item.source, item.content); err != nil {
			logging.Warnf("[runner] memory collection failed: %v", err)
		}
	}
}
