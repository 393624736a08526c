package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "collabConfig.yaml"), []byte(body), 0o644))
	return dir
}

func TestLoadFromFile(t *testing.T) {
	dir := writeConfig(t, `
running:
  port: 9000
store:
  driver: memory
kafka:
  driver: memory
  topic: doc-updates
collab:
  coalesceWindow: 300ms
  maxRetry: 3
`)
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Running.Port)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "doc-updates", cfg.Kafka.Topic)
	assert.Equal(t, "document-group", cfg.Kafka.Group)
	assert.Equal(t, 300*time.Millisecond, cfg.Collab.CoalesceWindow)
	assert.Equal(t, 3, cfg.Collab.MaxRetry)
	assert.Equal(t, time.Second, cfg.Collab.BaseBackoff)
	assert.Equal(t, 30*time.Second, cfg.Collab.MaxElapsed)
	assert.Equal(t, 1000000, cfg.Kafka.MaxMessageBytes)
	assert.False(t, cfg.Collab.RequireExistingDocument)
}

func TestMemoryStoreOverrideRejectsExistenceCheck(t *testing.T) {
	dir := writeConfig(t, `
store:
  driver: mysql
mysql:
  dsn: "root:pw@tcp(mysql:3306)/collab"
kafka:
  driver: memory
collab:
  requireExistingDocument: true
`)
	_, err := Load(dir)
	require.NoError(t, err)

	t.Setenv("COLLAB_STORE_DRIVER", "memory")
	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requireExistingDocument")

	t.Setenv("COLLAB_COLLAB_REQUIREEXISTINGDOCUMENT", "false")
	_, err = Load(dir)
	require.NoError(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := writeConfig(t, `
store:
  driver: memory
kafka:
  driver: memory
`)
	t.Setenv("COLLAB_RUNNING_PORT", "7001")
	t.Setenv("COLLAB_KAFKA_TOPIC", "from-env")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Running.Port)
	assert.Equal(t, "from-env", cfg.Kafka.Topic)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "mysql without dsn", body: "kafka:\n  driver: memory\n", wantErr: "mysql.dsn"},
		{name: "unknown broker driver", body: "store:\n  driver: memory\nkafka:\n  driver: nats\n", wantErr: "kafka.driver"},
		{name: "unknown store driver", body: "store:\n  driver: mongo\nkafka:\n  driver: memory\n", wantErr: "store.driver"},
		{
			name:    "memory store cannot require existing documents",
			body:    "store:\n  driver: memory\nkafka:\n  driver: memory\ncollab:\n  requireExistingDocument: true\n",
			wantErr: "requireExistingDocument",
		},
		{name: "non-positive message limit", body: "store:\n  driver: memory\nkafka:\n  driver: memory\n  maxMessageBytes: 0\n", wantErr: "maxMessageBytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
