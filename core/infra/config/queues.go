package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/taskloom/taskloom/core/infra/schema"
)

// DefaultQueue is used when no route matches a task name.
const DefaultQueue = "default"

var queuesSchema = []byte(`{
	"type": "object",
	"required": ["routes"],
	"properties": {
		"default_queue": {"type": "string", "minLength": 1},
		"routes": {
			"type": "object",
			"additionalProperties": {"type": "string", "minLength": 1}
		}
	},
	"additionalProperties": false
}`)

// QueueConfig routes task names to dispatch queues. Route keys are exact
// task names or prefix patterns ending in ".*".
type QueueConfig struct {
	DefaultQueue string            `yaml:"default_queue"`
	Routes       map[string]string `yaml:"routes"`
}

// ParseQueueConfig parses queue routing data from YAML bytes.
func ParseQueueConfig(data []byte) (*QueueConfig, error) {
	if len(data) == 0 {
		return nil, errors.New("queue config is empty")
	}
	var probe any
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse queue config: %w", err)
	}
	if err := schema.Validate("queues", queuesSchema, normalizeYAML(probe)); err != nil {
		return nil, err
	}
	var cfg QueueConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse queue config: %w", err)
	}
	if cfg.DefaultQueue == "" {
		cfg.DefaultQueue = DefaultQueue
	}
	return &cfg, nil
}

// LoadQueueConfig reads the YAML queue routing file. A missing file yields
// the default configuration.
func LoadQueueConfig(path string) (*QueueConfig, error) {
	if path == "" {
		return &QueueConfig{DefaultQueue: DefaultQueue}, nil
	}
	// #nosec G304 -- queue config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &QueueConfig{DefaultQueue: DefaultQueue}, nil
		}
		return nil, fmt.Errorf("read queue config %s: %w", path, err)
	}
	return ParseQueueConfig(data)
}

// QueueFor resolves the dispatch queue for a task name. Explicit signature
// queues take precedence over routing; callers pass "" to use routing.
func (c *QueueConfig) QueueFor(taskName string) string {
	if c == nil {
		return DefaultQueue
	}
	if q, ok := c.Routes[taskName]; ok {
		return q
	}
	for pattern, q := range c.Routes {
		if prefix, ok := strings.CutSuffix(pattern, ".*"); ok && strings.HasPrefix(taskName, prefix+".") {
			return q
		}
	}
	if c.DefaultQueue != "" {
		return c.DefaultQueue
	}
	return DefaultQueue
}

// normalizeYAML converts yaml-decoded maps to JSON-compatible values for
// schema validation.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}
