package node

import (
	"sync"
	"time"

	"Resona/config"
	"Resona/core/rest"
	"Resona/model"
)

// Node is the handle for one audio node: its REST client, its websocket
// session and the mutable view the selector reads.
type Node struct {
	cfg     config.NodeConfig
	index   int // Registration order, the final selection tie-break
	rest    *rest.Client
	session *Session

	mu      sync.RWMutex
	healthy bool
	resumed bool
	players int
	stats   *model.NodeStats
	statsAt time.Time
}

// Name returns the configured node name.
func (n *Node) Name() string {
	return n.cfg.Name
}

// Rest returns the node's REST client.
func (n *Node) Rest() *rest.Client {
	return n.rest
}

// SessionID returns the node-issued session id, empty before the first ready.
func (n *Node) SessionID() string {
	return n.session.SessionID()
}

// Healthy reports whether the node currently has a ready session.
func (n *Node) Healthy() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.healthy
}

// Snapshot is a point-in-time view of a node used for selection and
// diagnostics.
type Snapshot struct {
	Name       string
	Index      int
	State      SessionState
	Healthy    bool
	Resumed    bool
	Players    int     // Players bound locally
	SystemLoad float64 // Last reported cpu load, 0 until the first stats push
	Stats      *model.NodeStats
	StatsAt    time.Time
}

// Snapshot captures the node's current view.
func (n *Node) Snapshot() Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	snap := Snapshot{
		Name:    n.cfg.Name,
		Index:   n.index,
		State:   n.session.State(),
		Healthy: n.healthy,
		Resumed: n.resumed,
		Players: n.players,
		Stats:   n.stats,
		StatsAt: n.statsAt,
	}
	if n.stats != nil {
		snap.SystemLoad = n.stats.CPU.SystemLoad
	}
	return snap
}

// AddPlayers adjusts the bound-player count, maintained by the player side.
func (n *Node) AddPlayers(delta int) {
	n.mu.Lock()
	n.players += delta
	if n.players < 0 {
		n.players = 0
	}
	n.mu.Unlock()
}

func (n *Node) setHealthy(healthy, resumed bool) {
	n.mu.Lock()
	n.healthy = healthy
	if healthy {
		n.resumed = resumed
	}
	n.mu.Unlock()
}

func (n *Node) setStats(stats *model.NodeStats) {
	n.mu.Lock()
	n.stats = stats
	n.statsAt = time.Now()
	n.mu.Unlock()
}
