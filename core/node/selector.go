package node

// Selector reports whether node a should be preferred over node b. It runs
// under a stable sort, so nodes it treats as equal keep registration order.
type Selector func(a, b Snapshot) bool

// DefaultSelector prefers the node with the fewest bound players, breaking
// ties on the lowest reported system load. Nodes that have not pushed stats
// yet count as unloaded.
func DefaultSelector(a, b Snapshot) bool {
	if a.Players != b.Players {
		return a.Players < b.Players
	}
	return a.SystemLoad < b.SystemLoad
}
