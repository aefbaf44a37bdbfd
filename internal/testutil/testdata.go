package testutil

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// FixtureBytes returns the raw content of a file stored next to this package.
func FixtureBytes(t testing.TB, filename string) []byte {
	t.Helper()
	_, currentFile, _, _ := runtime.Caller(0)
	data, err := os.ReadFile(filepath.Join(filepath.Dir(currentFile), filename))
	require.NoError(t, err, "reading fixture %s", filename)
	return data
}

// Fixture decodes a JSON object fixture the way message payloads are decoded:
// numbers stay json.Number. If target is provided, the fixture is also
// unmarshaled into it.
func Fixture(t testing.TB, filename string, target ...any) map[string]any {
	t.Helper()
	data := FixtureBytes(t, filename)

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	require.NoError(t, dec.Decode(&doc), "decoding fixture %s", filename)

	if len(target) > 0 && target[0] != nil {
		require.NoError(t, json.Unmarshal(data, target[0]))
	}
	return doc
}
