package transform

import (
	"fmt"
	"regexp"
)

// ReplaceConfig holds the configuration for the replace transformation
type ReplaceConfig struct {
	// Field renames, old name to new name
	Fields map[string]string `mapstructure:"fields"`

	// Regex replacements applied to string values
	Regex []RegexReplacement `mapstructure:"regex"`
}

// RegexReplacement rewrites the string value of one field
type RegexReplacement struct {
	Field   string `mapstructure:"field"`   // Field whose value is rewritten
	Pattern string `mapstructure:"pattern"` // Regex pattern to match
	Replace string `mapstructure:"replace"` // Replacement string (can use regex groups)
}

// Validate validates the ReplaceConfig
func (c *ReplaceConfig) Validate() error {
	if len(c.Fields) == 0 && len(c.Regex) == 0 {
		return fmt.Errorf("at least one replacement configuration is required")
	}

	for _, regex := range c.Regex {
		if regex.Field == "" {
			return fmt.Errorf("regex replacement requires a field")
		}
		if _, err := regexp.Compile(regex.Pattern); err != nil {
			return fmt.Errorf("invalid regex pattern %s: %w", regex.Pattern, err)
		}
	}

	return nil
}

// Type returns the type of the transformation
func (c *ReplaceConfig) Type() string {
	return "replace"
}

func (c *ReplaceConfig) Func() Func { return Replace(c) }

// Replace creates a Func that performs the configured replacements on a copy of the document
func Replace(config *ReplaceConfig) Func {
	compiled := make([]*regexp.Regexp, len(config.Regex))
	for i, r := range config.Regex {
		compiled[i], _ = regexp.Compile(r.Pattern)
	}

	return func(doc map[string]any) (map[string]any, error) {
		if err := config.Validate(); err != nil {
			return doc, fmt.Errorf("invalid replace configuration: %w", err)
		}

		current := replaceMapKeys(doc, config.Fields)

		for i, regex := range config.Regex {
			if s, ok := current[regex.Field].(string); ok {
				current[regex.Field] = compiled[i].ReplaceAllString(s, regex.Replace)
			}
		}

		return current, nil
	}
}

// replaceMapKeys creates a new map with replaced keys according to the replacements map
func replaceMapKeys(data map[string]any, replacements map[string]string) map[string]any {
	newMap := make(map[string]any, len(data))
	for k, v := range data {
		newKey := k
		if replacement, exists := replacements[k]; exists {
			newKey = replacement
		}
		newMap[newKey] = v
	}
	return newMap
}
