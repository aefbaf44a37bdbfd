package util

import (
	"os"
	"strings"
)

// GetEnvOrDefault returns the environment variable value if set, otherwise the default value
func GetEnvOrDefault(env, def string) string {
	if val := os.Getenv(env); val != "" {
		return val
	}
	return def
}

// GetEnvListOrDefault splits a comma separated environment variable, falling back to def when unset.
func GetEnvListOrDefault(env string, def []string) []string {
	val := os.Getenv(env)
	if val == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
