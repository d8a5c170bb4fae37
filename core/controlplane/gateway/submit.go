package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/taskloom/taskloom/core/infra/schema"
	"github.com/taskloom/taskloom/core/task"
)

const maxSubmitBody = 1 << 20

// submitSchema validates the workflow submission shape before the graph
// compiler sees it, so callers get field-level errors instead of compile
// failures.
var submitSchema = []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["root"],
  "additionalProperties": false,
  "properties": {
    "root": {"$ref": "#/$defs/node"}
  },
  "$defs": {
    "node": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "kind": {"enum": ["task", "chain", "group", "chord"]},
        "task": {"type": "string"},
        "args": {"type": "array"},
        "queue": {"type": "string"},
        "max_retries": {"type": "integer", "minimum": 0},
        "result_ttl_sec": {"type": "integer"},
        "no_forward": {"type": "boolean"},
        "children": {"type": "array", "items": {"$ref": "#/$defs/node"}},
        "header": {"$ref": "#/$defs/node"},
        "body": {"$ref": "#/$defs/node"},
        "policy": {"enum": ["abort", "collect"]},
        "on_error": {
          "type": "object",
          "additionalProperties": false,
          "required": ["task"],
          "properties": {
            "task": {"type": "string"},
            "args": {"type": "array"},
            "queue": {"type": "string"}
          }
        }
      }
    }
  }
}`)

type nodeSpec struct {
	Kind         string          `json:"kind,omitempty"`
	Task         string          `json:"task,omitempty"`
	Args         []any           `json:"args,omitempty"`
	Queue        string          `json:"queue,omitempty"`
	MaxRetries   int             `json:"max_retries,omitempty"`
	ResultTTLSec int64           `json:"result_ttl_sec,omitempty"`
	NoForward    bool            `json:"no_forward,omitempty"`
	Children     []*nodeSpec     `json:"children,omitempty"`
	Header       *nodeSpec       `json:"header,omitempty"`
	Body         *nodeSpec       `json:"body,omitempty"`
	Policy       string          `json:"policy,omitempty"`
	OnError      *errHandlerSpec `json:"on_error,omitempty"`
}

type errHandlerSpec struct {
	Task  string `json:"task"`
	Args  []any  `json:"args,omitempty"`
	Queue string `json:"queue,omitempty"`
}

type submitRequest struct {
	Root *nodeSpec `json:"root"`
}

func decodeSubmitRequest(r *http.Request) (*submitRequest, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxSubmitBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if err := schema.Validate("workflow-submit", submitSchema, json.RawMessage(data)); err != nil {
		return nil, fmt.Errorf("invalid submission: %w", err)
	}
	var req submitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	if req.Root == nil {
		return nil, fmt.Errorf("root node required")
	}
	return &req, nil
}

func (r *submitRequest) compile() (*task.Node, error) {
	return r.Root.compile()
}

func (n *nodeSpec) compile() (*task.Node, error) {
	kind := n.Kind
	if kind == "" {
		if n.Task != "" {
			kind = "task"
		} else {
			return nil, fmt.Errorf("node requires a kind or a task name")
		}
	}
	switch kind {
	case "task":
		if n.Task == "" {
			return nil, fmt.Errorf("task node requires a task name")
		}
		sig := task.NewSignature(n.Task, n.Args...)
		if n.Queue != "" {
			sig.WithQueue(n.Queue)
		}
		if n.MaxRetries > 0 {
			sig.WithMaxRetries(n.MaxRetries)
		}
		if n.ResultTTLSec != 0 {
			sig.WithResultTTL(n.ResultTTLSec)
		}
		node := task.Call(sig)
		if n.NoForward {
			node.NoForward()
		}
		return node, nil
	case "chain":
		children, err := n.compileChildren()
		if err != nil {
			return nil, err
		}
		node := task.Chain(children...)
		// Re-apply explicit opt-outs: the Chain builder enables forwarding
		// on every non-initial element.
		for i, child := range n.Children {
			if child.NoForward && i > 0 {
				node.Children[i].NoForward()
			}
		}
		if n.OnError != nil {
			sig := task.NewSignature(n.OnError.Task, n.OnError.Args...)
			if n.OnError.Queue != "" {
				sig.WithQueue(n.OnError.Queue)
			}
			node.OnError(sig)
		}
		return node, nil
	case "group":
		children, err := n.compileChildren()
		if err != nil {
			return nil, err
		}
		return task.Group(children...), nil
	case "chord":
		if n.Header == nil || n.Body == nil {
			return nil, fmt.Errorf("chord requires header and body")
		}
		header, err := n.Header.compile()
		if err != nil {
			return nil, err
		}
		body, err := n.Body.compile()
		if err != nil {
			return nil, err
		}
		node := task.Chord(header, body)
		if n.Policy != "" {
			node.WithPolicy(task.FailurePolicy(n.Policy))
		}
		return node, nil
	default:
		return nil, fmt.Errorf("unknown node kind %q", kind)
	}
}

func (n *nodeSpec) compileChildren() ([]*task.Node, error) {
	children := make([]*task.Node, 0, len(n.Children))
	for i, child := range n.Children {
		node, err := child.compile()
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		children = append(children, node)
	}
	return children, nil
}
