package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesJSONToFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "collab.log")
	l := Init("collab-server", "debug", file)
	t.Cleanup(func() { Log = OrNop(nil) })

	l.Info("hello")
	_ = l.Sync()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"service":"collab-server"`)
	assert.Contains(t, string(data), `"level":"INFO"`)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := Init("x", "not-a-level", "")
	t.Cleanup(func() { Log = OrNop(nil) })
	assert.Same(t, l, OrNop(l))
}
