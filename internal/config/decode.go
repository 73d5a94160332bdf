package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// decode strictly decodes a JSON or YAML document into a Config.
//
// YAML is first rebuilt as a JSON tree so both formats share the json tags
// and reject unknown fields the same way. The format follows the file
// extension; other names are sniffed (a leading '{' means JSON).
func decode(name string, data []byte) (*Config, error) {
	format := "json"
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		format = "yaml"
	case ".json":
	default:
		if t := bytes.TrimSpace(data); len(t) > 0 && t[0] != '{' {
			format = "yaml"
		}
	}

	if format == "yaml" {
		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("yaml config: %w", err)
		}
		tree, err := yamlToJSON(&doc)
		if err != nil {
			return nil, fmt.Errorf("yaml config: %w", err)
		}
		if tree == nil {
			tree = map[string]any{}
		}
		if data, err = json.Marshal(tree); err != nil {
			return nil, fmt.Errorf("yaml config: %w", err)
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s config: trailing data after document", format)
	}
	return &cfg, nil
}

func yamlToJSON(n *yaml.Node) (any, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return yamlToJSON(n.Content[0])
	case yaml.AliasNode:
		return yamlToJSON(n.Alias)
	case yaml.MappingNode:
		m := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if k.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping key must be a scalar", k.Line)
			}
			if k.Value == "<<" {
				return nil, fmt.Errorf("line %d: merge keys are not supported", k.Line)
			}
			val, err := yamlToJSON(v)
			if err != nil {
				return nil, err
			}
			m[k.Value] = val
		}
		return m, nil
	case yaml.SequenceNode:
		s := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			val, err := yamlToJSON(c)
			if err != nil {
				return nil, err
			}
			s = append(s, val)
		}
		return s, nil
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return v, nil
	}
}

// fingerprint identifies a decoded config so rewrites that change nothing
// (touch, whitespace, comments) are not republished. Nil is 0.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
