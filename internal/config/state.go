package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/tidwall/jsonc"
)

// LoadInitialState reads a JSONC document mapping module names to their
// starting state. Comments and trailing commas are allowed.
func LoadInitialState(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading initial state %s: %w", path, err)
	}
	state, err := ParseInitialState(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return state, nil
}

func ParseInitialState(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, fmt.Errorf("parsing initial state: %w", err)
	}
	modules := make([]string, 0, len(doc))
	for name := range doc {
		modules = append(modules, name)
	}
	sort.Strings(modules)
	for _, name := range modules {
		if _, ok := doc[name].(map[string]any); !ok {
			return nil, fmt.Errorf("%w: module %q state must be an object", ErrInvalidConfig, name)
		}
	}
	return doc, nil
}
