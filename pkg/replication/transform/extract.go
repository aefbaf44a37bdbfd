package transform

import (
	"fmt"
)

// ExtractConfig holds the configuration for the extract transformation
type ExtractConfig struct {
	Fields []string `mapstructure:"fields"`
}

// Validate validates the ExtractConfig
func (c *ExtractConfig) Validate() error {
	if len(c.Fields) == 0 {
		return fmt.Errorf("at least one field is required")
	}
	return nil
}

// Type returns the type of the transformation
func (c *ExtractConfig) Type() string {
	return "extract"
}

func (c *ExtractConfig) Func() Func { return Extract(c) }

// Extract creates a Func that keeps only the specified fields of the document
func Extract(config *ExtractConfig) Func {
	return func(doc map[string]any) (map[string]any, error) {
		if err := config.Validate(); err != nil {
			return doc, fmt.Errorf("invalid extract configuration: %w", err)
		}
		out := make(map[string]any, len(config.Fields))
		for _, field := range config.Fields {
			if value, exists := doc[field]; exists {
				out[field] = value
			}
		}
		return out, nil
	}
}
