package transform

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Func rewrites a document. Returning a nil document drops the record from delivery.
type Func func(doc map[string]any) (map[string]any, error)

// Transformation is one configured step of a source's transformation chain.
type Transformation struct {
	Config map[string]any `mapstructure:"config"`
	Type   string         `mapstructure:"type"`
}

// Config is implemented by the settings of every transformation type
type Config interface {
	Validate() error
	Type() string
	// Func returns the transformation described by the validated config.
	Func() Func
}

var kinds sync.Map // map[string]func() Config

// Register makes a transformation type available to Chain. newConfig must
// return a fresh pointer that mapstructure can decode into.
func Register(kind string, newConfig func() Config) {
	kinds.Store(kind, newConfig)
}

// Types returns the registered transformation types, sorted.
func Types() []string {
	var names []string
	kinds.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}

func init() {
	Register("extract", func() Config { return &ExtractConfig{} })
	Register("filter", func() Config { return &FilterConfig{} })
	Register("replace", func() Config { return &ReplaceConfig{} })
}

// ToConfig decodes the step settings into the config type registered for t.Type.
func (t *Transformation) ToConfig() (Config, error) {
	newConfig, ok := kinds.Load(t.Type)
	if !ok {
		return nil, fmt.Errorf("unknown transformation type: %s", t.Type)
	}
	cfg := newConfig.(func() Config)()
	if err := mapstructure.Decode(t.Config, cfg); err != nil {
		return nil, fmt.Errorf("error decoding %s config: %w", t.Type, err)
	}
	return cfg, nil
}

// Chain composes configured steps in order. Every step is decoded and
// validated here so a bad chain fails at startup instead of per record.
// The returned Func stops at the first step that drops the document.
func Chain(steps []Transformation) (Func, error) {
	fns := make([]Func, 0, len(steps))
	for i, step := range steps {
		cfg, err := step.ToConfig()
		if err != nil {
			return nil, fmt.Errorf("transformations[%d]: %w", i, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("transformations[%d]: invalid %s configuration: %w", i, step.Type, err)
		}
		fns = append(fns, cfg.Func())
	}

	return func(doc map[string]any) (map[string]any, error) {
		current := doc
		for _, fn := range fns {
			var err error
			if current, err = fn(current); err != nil {
				return nil, err
			}
			if current == nil {
				return nil, nil
			}
		}
		return current, nil
	}, nil
}
