package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.Addr() != "0.0.0.0:8812" {
		t.Errorf("Addr = %q", c.Addr())
	}
	if c.Execution.MessageTimeout.Std() != 10*time.Second {
		t.Errorf("MessageTimeout = %s, want 10s", c.Execution.MessageTimeout)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9000

[kernel]
startup_timeout = "2m"
argv = ["/opt/venv/bin/python", "-m", "ipykernel_launcher", "--f={connection_file}"]

[execution]
message_timeout = "30s"
strip_ansi = false

[log]
verbosity = 2
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", c.Server.Port)
	}
	if c.Server.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want default", c.Server.Host)
	}
	if c.Kernel.StartupTimeout.Std() != 2*time.Minute {
		t.Errorf("StartupTimeout = %s, want 2m", c.Kernel.StartupTimeout)
	}
	if c.Kernel.ShutdownTimeout.Std() != 5*time.Second {
		t.Errorf("ShutdownTimeout = %s, want default 5s", c.Kernel.ShutdownTimeout)
	}
	if len(c.Kernel.Argv) != 4 || c.Kernel.Argv[0] != "/opt/venv/bin/python" {
		t.Errorf("Argv = %v", c.Kernel.Argv)
	}
	if c.Execution.MessageTimeout.Std() != 30*time.Second || c.Execution.StripANSI {
		t.Errorf("Execution = %+v", c.Execution)
	}
	if c.Path != path {
		t.Errorf("Path = %q", c.Path)
	}
}

func TestLoad_KeepsDefaultArgv(t *testing.T) {
	c, err := Load(writeConfig(t, "[server]\nport = 8813\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if strings.Join(c.Kernel.Argv, " ") != "python3 -m ipykernel_launcher -f {connection_file}" {
		t.Errorf("Argv = %v", c.Kernel.Argv)
	}
}

func TestLoad_Gateway(t *testing.T) {
	c, err := Load(writeConfig(t, `
[kernel]
backend = "gateway"

[kernel.gateway]
url = "http://jupyter:8888"
token = "secret"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Kernel.Gateway.URL != "http://jupyter:8888" || c.Kernel.Gateway.KernelName != "python3" {
		t.Errorf("Gateway = %+v", c.Kernel.Gateway)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"port out of range", "[server]\nport = 70000\n", "port"},
		{"unknown backend", "[kernel]\nbackend = \"docker\"\n", "backend"},
		{"gateway without url", "[kernel]\nbackend = \"gateway\"\n", "url"},
		{"zero timeout", "[execution]\nmessage_timeout = \"0s\"\n", "message_timeout"},
		{"bad duration", "[execution]\nmessage_timeout = \"soon\"\n", "parse error"},
		{"argv without connection file", "[kernel]\nargv = [\"python3\"]\n", "{connection_file}"},
		{"verbosity", "[log]\nverbosity = 9\n", "verbosity"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil {
				t.Fatal("Load should fail")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q should mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadOrDefault_Missing(t *testing.T) {
	c, err := LoadOrDefault(filepath.Join(t.TempDir(), FileName))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if c.Server.Port != 8812 || c.Path != "" {
		t.Errorf("config = %+v, want defaults", c)
	}
}

func TestMerge(t *testing.T) {
	c := Default()
	c.Merge(&Config{
		Server:    Server{Port: 1234},
		Kernel:    Kernel{Gateway: Gateway{URL: "http://x"}},
		Execution: Execution{MessageTimeout: Duration(time.Second)},
	})
	if c.Server.Port != 1234 || c.Server.Host != "0.0.0.0" {
		t.Errorf("Server = %+v", c.Server)
	}
	if c.Kernel.Gateway.URL != "http://x" || c.Kernel.Backend != BackendLocal {
		t.Errorf("Kernel = %+v", c.Kernel)
	}
	if c.Execution.MessageTimeout.Std() != time.Second || !c.Execution.StripANSI {
		t.Errorf("Execution = %+v", c.Execution)
	}
}
