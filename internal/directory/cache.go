package directory

import (
	"slices"
	"sync/atomic"
	"time"

	"onionsocks/internal/domain"
)

// Snapshot is one immutable view of the registry.
type Snapshot struct {
	Nodes   []domain.Node
	Updated time.Time
}

// Cache holds the latest snapshot. Refreshes replace it whole, so readers
// never see a partial update and need no lock.
type Cache struct {
	current atomic.Pointer[Snapshot]
}

func NewCache(nodes ...domain.Node) *Cache {
	c := &Cache{}
	if len(nodes) > 0 {
		c.Replace(nodes)
	} else {
		c.current.Store(&Snapshot{})
	}
	return c
}

func (c *Cache) Replace(nodes []domain.Node) {
	c.current.Store(&Snapshot{Nodes: slices.Clone(nodes), Updated: time.Now()})
}

func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Nodes returns the current node list. It must not be modified.
func (c *Cache) Nodes() []domain.Node {
	return c.current.Load().Nodes
}

// Updated is the time of the last successful refresh, zero if none.
func (c *Cache) Updated() time.Time {
	return c.current.Load().Updated
}

func (c *Cache) Len() int {
	return len(c.current.Load().Nodes)
}
