package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// jsonBody returns the raw file contents as JSON. Files with a .yaml or
// .yml extension are decoded and re-encoded so a single strict JSON
// decoder handles both formats.
func jsonBody(path string, raw []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return raw, nil
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	out, err := json.Marshal(stringKeyed(doc))
	if err != nil {
		return nil, fmt.Errorf("encode yaml as json: %w", err)
	}
	return out, nil
}

// stringKeyed rewrites every map in the tree to use string keys. yaml.v3
// normally yields map[string]any already, but non-scalar keys still
// surface as map[any]any and would break json.Marshal.
func stringKeyed(doc any) any {
	switch t := doc.(type) {
	case map[string]any:
		for k, v := range t {
			t[k] = stringKeyed(v)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[fmt.Sprint(k)] = stringKeyed(v)
		}
		return out
	case []any:
		for i, v := range t {
			t[i] = stringKeyed(v)
		}
		return t
	}
	return doc
}
