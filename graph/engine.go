package graph

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/essaygraph/graph/emit"
	"github.com/dshills/essaygraph/graph/store"
)

// Engine executes a workflow graph over state S with per-thread
// checkpointing, interrupts and resumption.
//
// The Engine owns:
//   - the node registry (ID, function, declared writes, effects, policy)
//   - the edge table (one static edge or one router per node)
//   - the run controller (Invoke, Resume, UpdateState)
//
// Every node completion is merged into a copy of the state and written to
// the store before the thread advances, so a thread can always be resumed
// from its latest checkpoint.
//
// Example:
//
//	engine, err := graph.New(schema, store.NewMemStore[State](), emit.NewNullEmitter(),
//	    graph.WithMaxSteps(50))
//	engine.Add("draft", draftNode, []string{"draft"})
//	engine.Add("review", reviewNode, []string{"notes"})
//	engine.StartAt("draft")
//	engine.Connect("draft", "review")
//	engine.Branch("review", reviewRouter, "draft")
//
//	res, err := engine.Invoke(ctx, "thread-1", State{Topic: "Go generics"})
type Engine[S any] struct {
	mu sync.RWMutex

	schema    *Schema[S]
	nodes     map[string]*nodeSpec[S]
	order     []string
	edges     map[string]edge[S]
	startNode string
	compiled  bool

	store   store.Store[S]
	emitter emit.Emitter
	opts    Options
	locks   *threadLocks

	newID func() string
	now   func() time.Time
}

// New creates an Engine over schema, persisting to st and reporting to
// emitter. A nil emitter discards events.
func New[S any](schema *Schema[S], st store.Store[S], emitter emit.Emitter, options ...Option) (*Engine[S], error) {
	if schema == nil {
		return nil, &EngineError{Message: "schema is required", Code: "INVALID_CONFIG"}
	}
	if st == nil {
		return nil, &EngineError{Message: "store is required", Code: "INVALID_CONFIG"}
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}

	cfg := &engineConfig{}
	for _, opt := range options {
		if err := opt(cfg); err != nil {
			return nil, &EngineError{Message: err.Error(), Code: "INVALID_CONFIG", Err: err}
		}
	}

	return &Engine[S]{
		schema:  schema,
		nodes:   make(map[string]*nodeSpec[S]),
		edges:   make(map[string]edge[S]),
		store:   st,
		emitter: emitter,
		opts:    cfg.opts,
		locks:   newThreadLocks(),
		newID:   uuid.NewString,
		now:     time.Now,
	}, nil
}

// Add registers a node with the state fields it writes.
//
// Returns an EngineError if:
//   - nodeID is empty or the reserved End
//   - node is nil
//   - a node with this ID already exists
//   - a declared write is not a schema field
func (e *Engine[S]) Add(nodeID string, node Node[S], writes []string, opts ...NodeOption) error {
	if nodeID == "" {
		return &EngineError{Message: "node ID cannot be empty", Code: "INVALID_NODE"}
	}
	if nodeID == End {
		return &EngineError{Message: "node ID is reserved: " + End, Code: "RESERVED_NODE"}
	}
	if node == nil {
		return &EngineError{Message: "node cannot be nil", Code: "INVALID_NODE"}
	}
	if err := e.schema.Validate(writes); err != nil {
		ee := err.(*EngineError)
		ee.Message = "node " + nodeID + ": " + ee.Message
		return ee
	}
	var nc nodeConfig
	for _, opt := range opts {
		opt(&nc)
	}
	if nc.policy != nil && nc.policy.RetryPolicy != nil {
		if err := nc.policy.RetryPolicy.Validate(); err != nil {
			return &EngineError{Message: "node " + nodeID + ": invalid retry policy", Code: "INVALID_POLICY", Err: err}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; exists {
		return &EngineError{Message: "duplicate node ID: " + nodeID, Code: "DUPLICATE_NODE"}
	}

	declared := make(map[string]bool, len(writes))
	for _, w := range writes {
		declared[w] = true
	}
	e.nodes[nodeID] = &nodeSpec[S]{
		id:       nodeID,
		node:     node,
		writes:   append([]string(nil), writes...),
		declared: declared,
		effects:  nc.effects,
		policy:   nc.policy,
	}
	e.order = append(e.order, nodeID)
	e.compiled = false
	return nil
}

// StartAt sets the entry node. It must already be registered.
func (e *Engine[S]) StartAt(nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; !exists {
		return &EngineError{Message: "start node does not exist: " + nodeID, Code: "NODE_NOT_FOUND"}
	}
	e.startNode = nodeID
	e.compiled = false
	return nil
}

// Connect adds a static edge. to may be End.
func (e *Engine[S]) Connect(from, to string) error {
	if to == "" {
		return &EngineError{Message: "edge target cannot be empty", Code: "INVALID_EDGE"}
	}
	return e.addEdge(edge[S]{from: from, to: to})
}

// Branch adds a conditional edge out of from. router is evaluated against
// the merged state after from completes; the node it names must be one of
// destinations, and Stop() is always allowed.
func (e *Engine[S]) Branch(from string, router Router[S], destinations ...string) error {
	if router == nil {
		return &EngineError{Message: "router cannot be nil", Code: "INVALID_EDGE"}
	}
	if len(destinations) == 0 {
		return &EngineError{Message: "branch from " + from + " needs at least one destination", Code: "INVALID_EDGE"}
	}
	return e.addEdge(edge[S]{from: from, router: router, destinations: append([]string(nil), destinations...)})
}

func (e *Engine[S]) addEdge(ed edge[S]) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[ed.from]; !exists {
		return &EngineError{Message: "edge source does not exist: " + ed.from, Code: "NODE_NOT_FOUND"}
	}
	if _, exists := e.edges[ed.from]; exists {
		return &EngineError{Message: "node " + ed.from + " already has an outgoing edge", Code: "DUPLICATE_EDGE"}
	}
	e.edges[ed.from] = ed
	e.compiled = false
	return nil
}

// Compile validates the topology. Invoke and Resume compile on first use;
// calling it directly surfaces wiring mistakes at startup.
func (e *Engine[S]) Compile() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileLocked()
}

func (e *Engine[S]) compileLocked() error {
	if e.compiled {
		return nil
	}
	if e.startNode == "" {
		return &EngineError{Message: "start node not set", Code: "NO_START_NODE"}
	}
	for _, id := range e.order {
		ed, ok := e.edges[id]
		if !ok {
			return &EngineError{Message: "node " + id + " has no outgoing edge", Code: "NO_EDGE"}
		}
		targets := ed.destinations
		if ed.router == nil {
			targets = []string{ed.to}
		}
		for _, t := range targets {
			if t == End && ed.router == nil {
				continue
			}
			if _, exists := e.nodes[t]; !exists {
				return &EngineError{Message: "edge " + id + " -> " + t + ": target does not exist", Code: "NODE_NOT_FOUND"}
			}
		}
	}
	if err := e.checkNodes(e.opts.InterruptAfter); err != nil {
		return err
	}
	e.compiled = true
	return nil
}

func (e *Engine[S]) checkNodes(ids []string) error {
	for _, id := range ids {
		if _, ok := e.nodes[id]; !ok {
			return &EngineError{Message: "unknown node: " + id, Code: "NODE_NOT_FOUND"}
		}
	}
	return nil
}

// NodeInfo describes a registered node.
type NodeInfo struct {
	ID      string
	Writes  []string
	Effects []Effect
}

// Nodes describes the registered nodes in registration order.
func (e *Engine[S]) Nodes() []NodeInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]NodeInfo, 0, len(e.order))
	for _, id := range e.order {
		spec := e.nodes[id]
		out = append(out, NodeInfo{
			ID:      id,
			Writes:  append([]string(nil), spec.writes...),
			Effects: append([]Effect(nil), spec.effects...),
		})
	}
	return out
}

// Schema returns the engine's state schema.
func (e *Engine[S]) Schema() *Schema[S] { return e.schema }

// emit stamps and forwards an event.
func (e *Engine[S]) emit(ev emit.Event) {
	ev.Time = e.now()
	e.emitter.Emit(ev)
}

func setOf(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
