// Package graph loads a persisted workflow graph into an immutable,
// validated structure with precomputed adjacency. The engine never mutates
// a loaded graph; all run state lives in the per-execution variable store.
package graph

import (
	"encoding/json"
	"fmt"
)

// ValidationError reports a structurally invalid graph. A run never starts
// from a graph that fails validation.
type ValidationError struct {
	Node string // offending node id, when attributable
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("invalid graph: node %s: %s", e.Node, e.Msg)
	}
	return "invalid graph: " + e.Msg
}

func valErrf(node, format string, args ...any) error {
	return &ValidationError{Node: node, Msg: fmt.Sprintf(format, args...)}
}

// Node is one vertex: a typed unit of work with its editor-supplied config.
// Read-only to the engine at execution time.
type Node struct {
	ID     string
	Kind   Kind
	Config map[string]any
}

// Class returns the node's kind class.
func (n *Node) Class() Class {
	return ClassOf(n.Kind)
}

// ConfigString returns a string config value, or "" when absent.
func (n *Node) ConfigString(key string) string {
	s, _ := n.Config[key].(string)
	return s
}

// ConfigNumber returns a numeric config value. JSON numbers decode as
// float64; integral strings are not coerced here.
func (n *Node) ConfigNumber(key string) (float64, bool) {
	f, ok := n.Config[key].(float64)
	return f, ok
}

// Edge is a directed connection between two nodes. Handles distinguish
// multiple connection points on one node (gate inputs are indexed by
// target handle).
type Edge struct {
	ID           string
	Source       string
	Target       string
	SourceHandle string
	TargetHandle string
}

// Graph is a validated workflow: nodes, edges and O(1) adjacency.
type Graph struct {
	ID    string
	nodes []*Node
	edges []Edge

	byID map[string]*Node
	succ map[string][]Edge
	pred map[string][]Edge
}

// rawGraph mirrors the editor's JSON contract.
type rawGraph struct {
	ID    string `json:"id"`
	Nodes []struct {
		ID   string         `json:"id"`
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	} `json:"nodes"`
	Edges []struct {
		ID           string `json:"id"`
		Source       string `json:"source"`
		Target       string `json:"target"`
		SourceHandle string `json:"sourceHandle"`
		TargetHandle string `json:"targetHandle"`
	} `json:"edges"`
}

// Load decodes and validates a workflow graph. It fails with a
// ValidationError on an unknown node type, a missing required config key,
// a dangling edge endpoint, a gate with out-of-range fan-in, or a cycle
// reachable from any trigger node.
func Load(raw []byte) (*Graph, error) {
	var rg rawGraph
	if err := json.Unmarshal(raw, &rg); err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("malformed graph JSON: %v", err)}
	}

	g := &Graph{
		ID:   rg.ID,
		byID: make(map[string]*Node, len(rg.Nodes)),
		succ: make(map[string][]Edge),
		pred: make(map[string][]Edge),
	}

	for _, rn := range rg.Nodes {
		if rn.ID == "" {
			return nil, &ValidationError{Msg: "node with empty id"}
		}
		if _, dup := g.byID[rn.ID]; dup {
			return nil, valErrf(rn.ID, "duplicate node id")
		}
		kind := Kind(rn.Type)
		spec, known := kindSpecs[kind]
		if !known {
			return nil, valErrf(rn.ID, "unknown node type %q", rn.Type)
		}
		for _, key := range spec.required {
			if _, ok := rn.Data[key]; !ok {
				return nil, valErrf(rn.ID, "missing required config key %q for type %q", key, rn.Type)
			}
		}
		n := &Node{ID: rn.ID, Kind: kind, Config: rn.Data}
		g.nodes = append(g.nodes, n)
		g.byID[rn.ID] = n
	}

	for _, re := range rg.Edges {
		if _, ok := g.byID[re.Source]; !ok {
			return nil, valErrf("", "edge %s: dangling source %q", re.ID, re.Source)
		}
		if _, ok := g.byID[re.Target]; !ok {
			return nil, valErrf("", "edge %s: dangling target %q", re.ID, re.Target)
		}
		e := Edge{
			ID:           re.ID,
			Source:       re.Source,
			Target:       re.Target,
			SourceHandle: re.SourceHandle,
			TargetHandle: re.TargetHandle,
		}
		g.edges = append(g.edges, e)
		g.succ[e.Source] = append(g.succ[e.Source], e)
		g.pred[e.Target] = append(g.pred[e.Target], e)
	}

	if err := g.validateFanIn(); err != nil {
		return nil, err
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// validateFanIn enforces the edge/handle rules: gates take 2-5 inputs
// (notGate exactly 1), every other node takes at most one incoming edge
// per target handle.
func (g *Graph) validateFanIn() error {
	for _, n := range g.nodes {
		in := g.pred[n.ID]
		switch n.Kind {
		case KindAndGate, KindOrGate:
			if len(in) < 2 || len(in) > 5 {
				return valErrf(n.ID, "%s requires 2-5 inputs, has %d", n.Kind, len(in))
			}
		case KindNotGate:
			if len(in) != 1 {
				return valErrf(n.ID, "notGate requires exactly 1 input, has %d", len(in))
			}
		default:
			seen := make(map[string]bool, len(in))
			for _, e := range in {
				if seen[e.TargetHandle] {
					return valErrf(n.ID, "multiple incoming edges on handle %q", e.TargetHandle)
				}
				seen[e.TargetHandle] = true
			}
		}
	}
	return nil
}

// checkAcyclic runs a three-color DFS along successor edges from every
// trigger node. A cycle reachable from a trigger would deadlock evaluation.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current DFS stack
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.nodes))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return valErrf(id, "cycle detected")
		case black:
			return nil
		}
		color[id] = grey
		for _, e := range g.succ[id] {
			if err := visit(e.Target); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range g.nodes {
		if n.Class() == ClassTrigger {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// Nodes returns all nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

// Triggers returns the trigger nodes in declaration order.
func (g *Graph) Triggers() []*Node {
	var out []*Node
	for _, n := range g.nodes {
		if n.Class() == ClassTrigger {
			out = append(out, n)
		}
	}
	return out
}

// Successors returns the outgoing edges of a node in edge declaration
// order. The slice is shared; callers must not mutate it.
func (g *Graph) Successors(id string) []Edge {
	return g.succ[id]
}

// Predecessors returns the incoming edges of a node in edge declaration
// order. The slice is shared; callers must not mutate it.
func (g *Graph) Predecessors(id string) []Edge {
	return g.pred[id]
}
