package graph

// End is the reserved pseudo-node that a static edge may target to
// terminate the run.
const End = "__end__"

// Next is the tagged outcome of a transition: continue to a named node, or
// terminate. Construct it with Goto or Stop.
type Next struct {
	// To is the node to run next. Empty when Terminal.
	To string

	// Terminal ends the run.
	Terminal bool
}

// Stop returns a terminating transition.
func Stop() Next {
	return Next{Terminal: true}
}

// Goto returns a transition to nodeID.
func Goto(nodeID string) Next {
	return Next{To: nodeID}
}

// Router decides the transition out of a node from the merged state.
// Routers must be pure functions of the state.
type Router[S any] func(state S) Next

// edge is the outgoing transition definition of one node: either a static
// target or a router with its declared destinations.
type edge[S any] struct {
	from         string
	to           string // static target (may be End)
	router       Router[S]
	destinations []string
}

// resolve evaluates the edge against state.
func (e edge[S]) resolve(state S) Next {
	if e.router == nil {
		if e.to == End {
			return Stop()
		}
		return Goto(e.to)
	}
	return e.router(state)
}

// allows reports whether a router's result is one of its declared
// destinations.
func (e edge[S]) allows(n Next) bool {
	if n.Terminal {
		return true
	}
	if e.router == nil {
		return n.To == e.to
	}
	for _, d := range e.destinations {
		if d == n.To {
			return true
		}
	}
	return false
}
