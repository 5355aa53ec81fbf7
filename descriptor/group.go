package descriptor

// StageGroup collects the descriptors of one stage kind and the nodes that
// registered for it, in registration order.
type StageGroup struct {
	Kind        string
	Descriptors []StageDescriptor
	Nodes       []NodeID
}

// Full reports whether every descriptor has a registered node.
func (g *StageGroup) Full() bool {
	return len(g.Nodes) >= len(g.Descriptors)
}

// Oversubscribed reports whether more nodes registered than there are descriptors.
func (g *StageGroup) Oversubscribed() bool {
	return len(g.Nodes) > len(g.Descriptors)
}

// Add records node. It returns false when the group was already full; the
// node is recorded anyway.
func (g *StageGroup) Add(node NodeID) bool {
	wasFull := g.Full()
	g.Nodes = append(g.Nodes, node)
	return !wasFull
}

// RequiresListing reports whether any descriptor needs fileset-stride deployment.
func (g *StageGroup) RequiresListing() bool {
	for _, d := range g.Descriptors {
		if d.RequiresListing() {
			return true
		}
	}
	return false
}

// ByRank returns the descriptor with the given rank.
func (g *StageGroup) ByRank(rank int) (StageDescriptor, bool) {
	for _, d := range g.Descriptors {
		if d.RankIs(rank) {
			return d, true
		}
	}
	return StageDescriptor{}, false
}
