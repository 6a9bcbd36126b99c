// Package ids mints the snowflake ids used for users, conversations,
// messages and connections.
package ids

import (
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits = 10
	seqBits  = 12
	maxNode  = 1<<nodeBits - 1
	seqMask  = 1<<seqBits - 1
	tsMask   = 1<<41 - 1
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator is safe for concurrent use. Ids from one generator are strictly
// increasing; ids from different nodes never collide.
type Generator struct {
	node int64

	mu   sync.Mutex
	last int64 // ms since epoch of the last id
	seq  int64
}

// NewGenerator falls back to node 1 when nodeID is outside 0..1023.
func NewGenerator(nodeID int64) *Generator {
	if nodeID < 0 || nodeID > maxNode {
		nodeID = 1
	}
	return &Generator{node: nodeID}
}

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := sinceEpoch()
	if now < g.last {
		// clock stepped back; keep minting on the last millisecond
		now = g.last
	}
	if now == g.last {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			for now <= g.last {
				time.Sleep(100 * time.Microsecond)
				now = sinceEpoch()
			}
		}
	} else {
		g.seq = 0
	}
	g.last = now
	return (now&tsMask)<<(nodeBits+seqBits) | g.node<<seqBits | g.seq
}

func (g *Generator) NextString() string {
	return strconv.FormatInt(g.Next(), 10)
}

// NodeOf is the node an id was minted on.
func NodeOf(id int64) int64 {
	return id >> seqBits & maxNode
}

// TimeOf is the millisecond an id was minted at.
func TimeOf(id int64) time.Time {
	return epoch.Add(time.Duration(id>>(nodeBits+seqBits)) * time.Millisecond)
}

func sinceEpoch() int64 {
	return time.Since(epoch).Milliseconds()
}
