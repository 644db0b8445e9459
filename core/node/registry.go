package node

import (
	"fmt"
	"sort"
	"sync"

	"Resona/config"
	"Resona/core/rest"
	"Resona/logger"
	"Resona/model"
)

// Router receives decoded node traffic and health transitions from the
// registry. The client facade implements it; calls for one node arrive in
// that node's message order.
type Router interface {
	RouteMessage(n *Node, msg model.Message)
	NodeReady(n *Node, resumed bool)
	NodeDown(n *Node, err error)
	NodeFailed(n *Node, err error)
}

// Registry owns the node set. Nodes are added at startup and live until
// Close; selection picks among the healthy ones.
type Registry struct {
	cfg    *config.Config
	router Router

	mu       sync.RWMutex
	nodes    []*Node
	byName   map[string]*Node
	selector Selector
	started  bool
}

// NewRegistry creates an empty registry delivering callbacks to router.
func NewRegistry(cfg *config.Config, router Router) *Registry {
	return &Registry{
		cfg:      cfg,
		router:   router,
		byName:   make(map[string]*Node),
		selector: DefaultSelector,
	}
}

// SetSelector replaces the node selection order. Call before Start.
func (r *Registry) SetSelector(s Selector) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.selector = s
	r.mu.Unlock()
}

// AddNode registers a node. Its session connects once Start has been called.
func (r *Registry) AddNode(nc config.NodeConfig) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[nc.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, nc.Name)
	}

	n := &Node{
		cfg:   nc,
		index: len(r.nodes),
		rest:  rest.NewClient(nc, r.cfg),
	}
	n.session = NewSession(nc, r.cfg, n.rest, r)
	r.nodes = append(r.nodes, n)
	r.byName[nc.Name] = n
	logger.Info("node registered",
		logger.String("node", nc.Name),
		logger.String("url", nc.RestURL()))

	if r.started {
		n.session.Start()
	}
	return n, nil
}

// Start connects every registered node session.
func (r *Registry) Start() {
	r.mu.Lock()
	r.started = true
	nodes := make([]*Node, len(r.nodes))
	copy(nodes, r.nodes)
	r.mu.Unlock()

	for _, n := range nodes {
		n.session.Start()
	}
}

// Close tears down every session.
func (r *Registry) Close() {
	r.mu.RLock()
	nodes := make([]*Node, len(r.nodes))
	copy(nodes, r.nodes)
	r.mu.RUnlock()

	for _, n := range nodes {
		n.session.Close()
	}
}

// Get returns the node with the given name.
func (r *Registry) Get(name string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byName[name]
	return n, ok
}

// Nodes returns the nodes in registration order.
func (r *Registry) Nodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes := make([]*Node, len(r.nodes))
	copy(nodes, r.nodes)
	return nodes
}

// Snapshots returns a point-in-time view of every node in registration order.
func (r *Registry) Snapshots() []Snapshot {
	nodes := r.Nodes()
	snaps := make([]Snapshot, 0, len(nodes))
	for _, n := range nodes {
		snaps = append(snaps, n.Snapshot())
	}
	return snaps
}

// Select picks the best healthy node outside the excluded set. The result is
// deterministic for equal snapshots: the selector runs under a stable sort
// over registration order.
func (r *Registry) Select(exclude ...string) (*Node, error) {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}

	r.mu.RLock()
	selector := r.selector
	nodes := make([]*Node, len(r.nodes))
	copy(nodes, r.nodes)
	r.mu.RUnlock()

	type candidate struct {
		node *Node
		snap Snapshot
	}
	var candidates []candidate
	for _, n := range nodes {
		if skip[n.Name()] {
			continue
		}
		snap := n.Snapshot()
		if !snap.Healthy {
			continue
		}
		candidates = append(candidates, candidate{node: n, snap: snap})
	}
	if len(candidates) == 0 {
		return nil, ErrNoAvailableNode
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return selector(candidates[i].snap, candidates[j].snap)
	})
	return candidates[0].node, nil
}

// OnSessionReady implements SessionEvents.
func (r *Registry) OnSessionReady(name string, resumed bool, sessionID string) {
	n, ok := r.Get(name)
	if !ok {
		return
	}
	n.setHealthy(true, resumed)
	r.router.NodeReady(n, resumed)
}

// OnSessionDown implements SessionEvents.
func (r *Registry) OnSessionDown(name string, err error) {
	n, ok := r.Get(name)
	if !ok {
		return
	}
	n.setHealthy(false, false)
	r.router.NodeDown(n, err)
}

// OnSessionFailed implements SessionEvents.
func (r *Registry) OnSessionFailed(name string, err error) {
	n, ok := r.Get(name)
	if !ok {
		return
	}
	n.setHealthy(false, false)
	r.router.NodeFailed(n, err)
}

// OnSessionMessage implements SessionEvents.
func (r *Registry) OnSessionMessage(name string, msg model.Message) {
	n, ok := r.Get(name)
	if !ok {
		return
	}
	if stats, ok := msg.(*model.StatsMessage); ok {
		statsCopy := stats.NodeStats
		n.setStats(&statsCopy)
	}
	r.router.RouteMessage(n, msg)
}
