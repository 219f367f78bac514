package server

import (
	"sync"
	"time"

	"github.com/sabowaryan/agent-karma/pkg/contracts"
)

// BlockSource hands out the ordering context for each mutating request.
type BlockSource interface {
	Next() contracts.Block
}

// WallClock numbers requests sequentially and stamps them with the wall
// clock. Time never moves backwards between blocks.
type WallClock struct {
	mu     sync.Mutex
	height uint64
	last   time.Time
	now    func() time.Time
}

// NewWallClock continues numbering after height.
func NewWallClock(height uint64) *WallClock {
	return &WallClock{height: height, now: time.Now}
}

func (c *WallClock) Next() contracts.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	c.height++
	return contracts.Block{Height: c.height, Time: t}
}
