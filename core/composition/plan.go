// Package composition compiles task graphs into dispatch plans and drives
// them to resolution. The engine is stateless between results: every
// advancement decision is re-derived from the persisted plan and the result
// store, so any engine replica can process any result.
package composition

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskloom/taskloom/core/task"
)

// PlanNode is one compiled graph node. Task nodes double as invocations: the
// node id is the invocation id, fixed at compile time so duplicate expansion
// paths collide on the dispatch gate instead of double-dispatching.
type PlanNode struct {
	ID       string        `json:"id"`
	Kind     task.NodeKind `json:"kind"`
	ParentID string        `json:"parent_id,omitempty"`
	// Index is the node's position among its siblings; barrier aggregation
	// and chain advancement both key on it.
	Index    int      `json:"index"`
	Children []string `json:"children,omitempty"`

	Sig        *task.Signature    `json:"sig,omitempty"`
	Forward    bool               `json:"forward,omitempty"`
	Policy     task.FailurePolicy `json:"policy,omitempty"`
	HeaderID   string             `json:"header_id,omitempty"`
	BodyID     string             `json:"body_id,omitempty"`
	ErrHandler *task.Signature    `json:"err_handler,omitempty"`
}

// Plan is the compiled, persisted form of a submitted workflow.
type Plan struct {
	RootID      string               `json:"root_id"`
	RootNodeID  string               `json:"root_node_id"`
	SubmittedAt int64                `json:"submitted_at,omitempty"`
	Nodes       map[string]*PlanNode `json:"nodes"`
}

// Compile validates a composition graph and flattens it into a plan keyed by
// generated node ids.
func Compile(root *task.Node) (*Plan, error) {
	if err := root.Validate(); err != nil {
		return nil, err
	}
	plan := &Plan{
		RootID:      uuid.NewString(),
		SubmittedAt: time.Now().UTC().Unix(),
		Nodes:       make(map[string]*PlanNode),
	}
	rootID, err := compileNode(plan, root, "", 0)
	if err != nil {
		return nil, err
	}
	plan.RootNodeID = rootID
	return plan, nil
}

func compileNode(plan *Plan, n *task.Node, parentID string, index int) (string, error) {
	pn := &PlanNode{
		ID:         uuid.NewString(),
		Kind:       n.Kind,
		ParentID:   parentID,
		Index:      index,
		Sig:        n.Sig,
		Forward:    n.Forward,
		Policy:     n.Policy,
		ErrHandler: n.ErrHandler,
	}
	if pn.Kind == task.NodeChord && pn.Policy == "" {
		pn.Policy = task.PolicyAbort
	}
	plan.Nodes[pn.ID] = pn

	switch n.Kind {
	case task.NodeTask:
	case task.NodeChain, task.NodeGroup:
		for i, child := range n.Children {
			childID, err := compileNode(plan, child, pn.ID, i)
			if err != nil {
				return "", err
			}
			pn.Children = append(pn.Children, childID)
		}
	case task.NodeChord:
		headerID, err := compileNode(plan, n.Header, pn.ID, 0)
		if err != nil {
			return "", err
		}
		bodyID, err := compileNode(plan, n.Body, pn.ID, 1)
		if err != nil {
			return "", err
		}
		pn.HeaderID = headerID
		pn.BodyID = bodyID
		// Header members inherit the chord's failure policy through the
		// header group's barrier.
		plan.Nodes[headerID].Policy = pn.Policy
	default:
		return "", fmt.Errorf("compile: unknown node kind %q", n.Kind)
	}
	return pn.ID, nil
}

// Node returns a plan node by id.
func (p *Plan) Node(id string) (*PlanNode, bool) {
	n, ok := p.Nodes[id]
	return n, ok
}

// Marshal serializes the plan for the store.
func (p *Plan) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPlan deserializes a stored plan.
func UnmarshalPlan(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	if p.Nodes == nil {
		p.Nodes = make(map[string]*PlanNode)
	}
	return &p, nil
}

// TaskNodes returns the ids of all task nodes in the plan.
func (p *Plan) TaskNodes() []string {
	var ids []string
	for id, n := range p.Nodes {
		if n.Kind == task.NodeTask {
			ids = append(ids, id)
		}
	}
	return ids
}

// BarrierNodes returns the ids of all barrier-bearing nodes. A chord's
// barrier lives on its header group, so only group nodes carry ledgers.
func (p *Plan) BarrierNodes() []string {
	var ids []string
	for id, n := range p.Nodes {
		if n.Kind == task.NodeGroup {
			ids = append(ids, id)
		}
	}
	return ids
}
