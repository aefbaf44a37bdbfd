package transform

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// FilterConfig keeps or drops documents based on the value of one field.
type FilterConfig struct {
	Field   string   `mapstructure:"field"`
	Values  []string `mapstructure:"values"`
	Exclude []string `mapstructure:"exclude"`
	Pattern string   `mapstructure:"pattern"`
}

func (c *FilterConfig) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("field is required")
	}
	if len(c.Values) == 0 && len(c.Exclude) == 0 && c.Pattern == "" {
		return fmt.Errorf("at least one filter criteria required")
	}
	if c.Pattern != "" {
		if _, err := regexp.Compile(c.Pattern); err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
	}
	return nil
}

func (c *FilterConfig) Type() string {
	return "filter"
}

func (c *FilterConfig) Func() Func { return Filter(c) }

// Filter creates a Func that drops documents whose field does not match.
// Values are compared in their fmt.Sprint form; a missing field never matches
// Values or Pattern. Field may address nested objects with dots, e.g. "kubernetes.pod".
func Filter(config *FilterConfig) Func {
	if err := config.Validate(); err != nil {
		return func(map[string]any) (map[string]any, error) {
			return nil, fmt.Errorf("invalid filter configuration: %w", err)
		}
	}

	var re *regexp.Regexp
	if config.Pattern != "" {
		re = regexp.MustCompile(config.Pattern)
	}

	return func(doc map[string]any) (map[string]any, error) {
		raw, exists := lookup(doc, config.Field)
		value := fmt.Sprint(raw)

		if exists && slices.Contains(config.Exclude, value) {
			return nil, nil
		}
		if len(config.Values) > 0 && (!exists || !slices.Contains(config.Values, value)) {
			return nil, nil
		}
		if re != nil && (!exists || !re.MatchString(value)) {
			return nil, nil
		}
		return doc, nil
	}
}

// lookup resolves a dotted path through nested objects. An exact top-level key
// wins over the nested interpretation.
func lookup(doc map[string]any, path string) (any, bool) {
	if v, ok := doc[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	next, ok := doc[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return lookup(next, rest)
}
