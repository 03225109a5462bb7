package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMustBootstrapTrackAPI_NamesSwaggerConfigKey(t *testing.T) {
	p := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  driver: "sqlite"
  sqlite_path: ":memory:"
`), 0o600))
	t.Setenv("configPath", p)
	t.Setenv("swaggerPath", "")

	require.PanicsWithValue(t, "worker.swagger_path (env swaggerPath) is required", func() {
		mustBootstrapTrackAPI()
	})
}
