package loader

import "testing"

func TestDotEnvLoader_Load(t *testing.T) {
	t.Setenv("EXTHOST_LOG_LEVEL", "error")

	memfs := NewMemFS()
	memfs.AddFile("/etc/exthost/.env", `
# local overrides
EXTHOST_LOG_LEVEL=debug
EXTHOST_TIMEOUTS_SHUTDOWN=2s
export EXTHOST_METRICS_ADDR="127.0.0.1:9999"
UNRELATED=1
`)

	config, err := NewDotEnvLoaderWithFS(memfs, "/etc/exthost/.env", EnvPrefix).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok := getByPath(config, "host.logLevel"); ok {
		t.Error("host.logLevel came from .env although the environment sets it")
	}
	if val, ok := getByPath(config, "timeouts.shutdown"); !ok || val == nil {
		t.Errorf("timeouts.shutdown = %v, want it set", val)
	}
	if val, ok := getByPath(config, "metrics.addr"); !ok || val != "127.0.0.1:9999" {
		t.Errorf("metrics.addr = %v, want '127.0.0.1:9999'", val)
	}
	if _, ok := config["unrelated"]; ok {
		t.Error("unprefixed variable loaded")
	}
}

func TestDotEnvLoader_Missing(t *testing.T) {
	config, err := NewDotEnvLoaderWithFS(NewMemFS(), "/nope/.env", EnvPrefix).Load()
	if err != nil || config != nil {
		t.Errorf("Load() = %v, %v; want nil, nil", config, err)
	}
}
