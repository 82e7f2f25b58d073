package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shoenig/test/must"
)

func TestDefaultIsValid(t *testing.T) {
	must.NoError(t, Default().Validate())
}

func TestLoadHCLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.hcl")
	body := `
db_path = "/var/lib/coordinator"
storage_config = "bolt"
ping_failures_to_drop = 7
rpc_bind_addr = "0.0.0.0:9000"
`
	must.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadHCL(path)
	must.NoError(t, err)
	must.Eq(t, "/var/lib/coordinator", cfg.DBPath)
	must.Eq(t, "bolt", cfg.StorageConfig)
	must.Eq(t, 7, cfg.PingFailuresToDrop)
	must.Eq(t, "0.0.0.0:9000", cfg.RPCBindAddr)
	// Fields left unset in the file keep their defaults.
	must.Eq(t, true, cfg.PrefetchTableMetadata)
}

func TestValidateRejectsNonMultiplePacketSizes(t *testing.T) {
	cfg := Default()
	cfg.DefaultIOPacketSize = 100
	cfg.DefaultWorkPacketSize = 64
	must.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingDBPath(t *testing.T) {
	cfg := Default()
	cfg.DBPath = ""
	must.Error(t, cfg.Validate())
}
