package app

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// IDGenerator issues unique identifiers. Implementations must be safe for
// concurrent use.
type IDGenerator interface {
	NextID() (string, error)
}

// Snowflake layout: 41 bits of milliseconds since epoch, 10 bits of node
// id, 12 bits of per-millisecond sequence.
const (
	snowflakeEpochMs  = int64(1735689600000) // 2025-01-01T00:00:00Z
	snowflakeNodeBits = 10
	snowflakeSeqBits  = 12
	snowflakeMaxSeq   = (1 << snowflakeSeqBits) - 1
	snowflakeMaxNode  = (1 << snowflakeNodeBits) - 1
)

// SnowflakeGenerator is a node-local unique id source. One critical
// section guards (lastMillis, sequence); a wall clock running backwards
// is a hard error rather than a duplicate id.
type SnowflakeGenerator struct {
	mu         sync.Mutex
	node       int64
	lastMillis int64
	sequence   int64
	now        func() time.Time
}

// NewSnowflakeGenerator builds a generator for the given node id.
func NewSnowflakeGenerator(node int64) (*SnowflakeGenerator, error) {
	if node < 0 || node > snowflakeMaxNode {
		return nil, fmt.Errorf("app: node id %d out of range [0,%d]", node, snowflakeMaxNode)
	}
	return &SnowflakeGenerator{node: node, lastMillis: -1, now: time.Now}, nil
}

// NextID returns the next identifier as a decimal string.
func (g *SnowflakeGenerator) NextID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	millis := g.now().UnixMilli()
	if millis < g.lastMillis {
		return "", fmt.Errorf("app: clock moved backwards by %dms, refusing to issue ids", g.lastMillis-millis)
	}
	if millis == g.lastMillis {
		g.sequence = (g.sequence + 1) & snowflakeMaxSeq
		if g.sequence == 0 {
			// Sequence space exhausted: wait out the millisecond.
			for millis <= g.lastMillis {
				millis = g.now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMillis = millis

	id := (millis-snowflakeEpochMs)<<(snowflakeNodeBits+snowflakeSeqBits) |
		g.node<<snowflakeSeqBits |
		g.sequence
	return strconv.FormatInt(id, 10), nil
}
