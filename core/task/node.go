package task

// NodeKind identifies the kind of node in a composition graph.
type NodeKind string

const (
	NodeTask  NodeKind = "task"
	NodeChain NodeKind = "chain"
	NodeGroup NodeKind = "group"
	NodeChord NodeKind = "chord"
)

// FailurePolicy selects how a chord reacts to header member failures.
type FailurePolicy string

const (
	// PolicyAbort fails the chord on the first member failure; the body is
	// never dispatched.
	PolicyAbort FailurePolicy = "abort"
	// PolicyCollect fires the body even when members failed, passing
	// per-member success/error markers in submission order.
	PolicyCollect FailurePolicy = "collect"
)

// Node is a composition graph node: a single task, a sequential chain, a
// concurrent group, or a chord (group header plus a body fired once all
// header members resolve).
type Node struct {
	Kind     NodeKind   `json:"kind"`
	Sig      *Signature `json:"sig,omitempty"`      // task
	Children []*Node    `json:"children,omitempty"` // chain elements / group members
	Header   *Node      `json:"header,omitempty"`   // chord header (a group)
	Body     *Node      `json:"body,omitempty"`     // chord body

	// Forward binds the predecessor's result as the first argument when this
	// node runs as a non-initial chain element. The Chain builder enables it;
	// NoForward disables it per element.
	Forward bool `json:"forward,omitempty"`

	Policy FailurePolicy `json:"policy,omitempty"` // chord only

	// ErrHandler, when set on a chain, receives (invocation id, error message,
	// root-to-failure path) after the chain aborts.
	ErrHandler *Signature `json:"err_handler,omitempty"`
}

// Call builds a task node from a signature.
func Call(sig *Signature) *Node {
	return &Node{Kind: NodeTask, Sig: sig}
}

// T is shorthand for Call(NewSignature(name, args...)).
func T(name string, args ...any) *Node {
	return Call(NewSignature(name, args...))
}

// Chain composes nodes to run strictly in sequence. Every element after the
// first forwards its predecessor's result unless NoForward was applied.
func Chain(nodes ...*Node) *Node {
	for i, n := range nodes {
		if i > 0 && n != nil {
			n.Forward = true
		}
	}
	return &Node{Kind: NodeChain, Children: nodes}
}

// Group composes nodes to run concurrently with no inter-member ordering.
func Group(nodes ...*Node) *Node {
	return &Node{Kind: NodeGroup, Children: nodes}
}

// Chord composes a header group with a body dispatched exactly once after all
// header members resolve. The body receives the collected header results, in
// submission order, as its first argument.
func Chord(header *Node, body *Node) *Node {
	if header != nil && header.Kind != NodeGroup {
		header = Group(header)
	}
	if body != nil {
		body.Forward = true
	}
	return &Node{Kind: NodeChord, Header: header, Body: body, Policy: PolicyAbort}
}

// NoForward disables result forwarding for this node as a chain element.
func (n *Node) NoForward() *Node {
	n.Forward = false
	return n
}

// WithPolicy sets the chord failure policy.
func (n *Node) WithPolicy(p FailurePolicy) *Node {
	n.Policy = p
	return n
}

// OnError registers a chain error handler signature.
func (n *Node) OnError(sig *Signature) *Node {
	n.ErrHandler = sig
	return n
}

// Validate rejects malformed graphs before anything is dispatched: nil or
// kind-inconsistent nodes, unnamed tasks, and cyclic or shared subtrees.
// Cycles have no defined completion semantics; a node reused in two positions
// would hold two ambiguous graph positions under one identity.
func (n *Node) Validate() error {
	if n == nil {
		return compositionErrf("nil node")
	}
	seen := make(map[*Node]bool)
	return validateNode(n, seen)
}

func validateNode(n *Node, seen map[*Node]bool) error {
	if n == nil {
		return compositionErrf("nil node in graph")
	}
	if seen[n] {
		return compositionErrf("cyclic or shared node in graph")
	}
	seen[n] = true

	switch n.Kind {
	case NodeTask:
		if n.Sig == nil || n.Sig.Name == "" {
			return compositionErrf("task node requires a named signature")
		}
		if len(n.Children) > 0 || n.Header != nil || n.Body != nil {
			return compositionErrf("task node cannot have children")
		}
	case NodeChain:
		for _, child := range n.Children {
			if err := validateNode(child, seen); err != nil {
				return err
			}
		}
	case NodeGroup:
		for _, child := range n.Children {
			if err := validateNode(child, seen); err != nil {
				return err
			}
		}
	case NodeChord:
		if n.Header == nil || n.Header.Kind != NodeGroup {
			return compositionErrf("chord requires a group header")
		}
		if n.Body == nil {
			return compositionErrf("chord requires a body node")
		}
		switch n.Policy {
		case "", PolicyAbort, PolicyCollect:
		default:
			return compositionErrf("unknown chord policy %q", n.Policy)
		}
		if err := validateNode(n.Header, seen); err != nil {
			return err
		}
		if err := validateNode(n.Body, seen); err != nil {
			return err
		}
	default:
		return compositionErrf("unknown node kind %q", n.Kind)
	}
	return nil
}
