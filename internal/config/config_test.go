package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "resource_embd", cfg.VectorIndex.ResourceCollection)
	assert.Equal(t, "keyword_embd", cfg.VectorIndex.KeywordCollection)
	assert.Equal(t, 512, cfg.Embedding.Dimensions)
	assert.InDelta(t, 0.95, cfg.Ingest.MatchThreshold, 1e-6)
	assert.Equal(t, 2, cfg.Retrieval.DefaultTopK)
}

func TestLoadRejectsThresholdOutOfRange(t *testing.T) {
	for _, body := range []string{
		"ingest:\n  match_threshold: 0\n",
		"ingest:\n  match_threshold: 1.5\n",
	} {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, body)
	}
}

func TestLoadRejectsUnknownVectorProvider(t *testing.T) {
	_, err := Load(writeConfig(t, "vector_index:\n  provider: milvus\n"))
	assert.ErrorContains(t, err, "unknown provider")
}

func TestDatabaseDSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", DBName: "x"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=x sslmode=disable", pg.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Path: "/tmp/a.db"}
	assert.Equal(t, "/tmp/a.db", lite.DSN())
}

func TestEmbeddingValidate(t *testing.T) {
	c := EmbeddingConfig{Name: "clip", Provider: "openai-compatible", Model: "clip", Dimensions: 512}
	assert.ErrorContains(t, c.Validate(), "base_url")

	c.BaseURL = "http://localhost:8000/v1"
	assert.NoError(t, c.Validate())
	assert.Error(t, c.ValidateWithAPIKey())

	t.Setenv("CLIP_KEY", "secret")
	c.APIKeyEnv = "CLIP_KEY"
	c.ResolveEnvVars()
	assert.NoError(t, c.ValidateWithAPIKey())
}

func TestLoadIngestSources(t *testing.T) {
	cfg, err := Load(writeConfig(t, "ingest:\n  sources:\n    inbox: /srv/inbox\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"inbox": "/srv/inbox"}, cfg.Ingest.Sources)

	_, err = Load(writeConfig(t, "ingest:\n  sources:\n    inbox: \"\"\n"))
	assert.ErrorContains(t, err, "ingest.sources.inbox")
}
