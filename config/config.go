// Package config handles sandbox.toml server configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/BurntSushi/toml"
)

// FileName is the configuration file looked up by default.
const FileName = "sandbox.toml"

// Backends.
const (
	BackendLocal   = "local"
	BackendGateway = "gateway"
)

// ConnectionFileArg is replaced in Kernel.Argv by the connection file path.
const ConnectionFileArg = "{connection_file}"

//go:embed schema.cue
var schemaSource string

// Config represents a sandbox.toml configuration.
type Config struct {
	Server    Server    `toml:"server" json:"server"`
	Kernel    Kernel    `toml:"kernel" json:"kernel"`
	Execution Execution `toml:"execution" json:"execution"`
	Log       Log       `toml:"log" json:"log"`

	// Path is the file the configuration was loaded from, if any.
	Path string `toml:"-" json:"-"`
}

// Server configures the listener and the execution queue.
type Server struct {
	Host       string `toml:"host" json:"host"`
	Port       int    `toml:"port" json:"port"`
	MaxPending int    `toml:"max_pending" json:"max_pending"`
}

// Kernel configures how the kernel is started.
type Kernel struct {
	Backend         string   `toml:"backend" json:"backend"`
	StartupTimeout  Duration `toml:"startup_timeout" json:"startup_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" json:"shutdown_timeout"`
	Argv            []string `toml:"argv" json:"argv"`
	IP              string   `toml:"ip" json:"ip"`
	Gateway         Gateway  `toml:"gateway" json:"gateway"`
}

// Gateway configures a remote Jupyter server.
type Gateway struct {
	URL        string `toml:"url" json:"url"`
	Token      string `toml:"token" json:"token"`
	KernelName string `toml:"kernel_name" json:"kernel_name"`
}

// Execution configures how kernel output is collected.
type Execution struct {
	MessageTimeout Duration `toml:"message_timeout" json:"message_timeout"`
	StripANSI      bool     `toml:"strip_ansi" json:"strip_ansi"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	File      string `toml:"file" json:"file"`
}

// Duration is a time.Duration written as a string such as "10s".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: Server{
			Host:       "0.0.0.0",
			Port:       8812,
			MaxPending: 64,
		},
		Kernel: Kernel{
			Backend:         BackendLocal,
			StartupTimeout:  Duration(60 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
			Argv:            []string{"python3", "-m", "ipykernel_launcher", "-f", ConnectionFileArg},
			IP:              "127.0.0.1",
			Gateway: Gateway{
				KernelName: "python3",
			},
		},
		Execution: Execution{
			MessageTimeout: Duration(10 * time.Second),
			StripANSI:      true,
		},
		Log: Log{
			Verbosity: 1,
		},
	}
}

// Load parses the file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	// Lists replace the defaults rather than merging with them.
	c.Kernel.Argv = nil
	if _, err := toml.Decode(string(data), c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if c.Kernel.Argv == nil {
		c.Kernel.Argv = Default().Kernel.Argv
	}
	c.Path = path

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// LoadOrDefault loads path if it exists and returns the validated defaults
// otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		c := Default()
		return c, c.Validate()
	}
	return Load(path)
}

// Merge overrides c with the non-zero fields of o. Booleans are not merged
// because false cannot be told apart from unset.
func (c *Config) Merge(o *Config) {
	if o.Server.Host != "" {
		c.Server.Host = o.Server.Host
	}
	if o.Server.Port != 0 {
		c.Server.Port = o.Server.Port
	}
	if o.Server.MaxPending != 0 {
		c.Server.MaxPending = o.Server.MaxPending
	}
	if o.Kernel.Backend != "" {
		c.Kernel.Backend = o.Kernel.Backend
	}
	if o.Kernel.StartupTimeout != 0 {
		c.Kernel.StartupTimeout = o.Kernel.StartupTimeout
	}
	if o.Kernel.ShutdownTimeout != 0 {
		c.Kernel.ShutdownTimeout = o.Kernel.ShutdownTimeout
	}
	if len(o.Kernel.Argv) > 0 {
		c.Kernel.Argv = o.Kernel.Argv
	}
	if o.Kernel.IP != "" {
		c.Kernel.IP = o.Kernel.IP
	}
	if o.Kernel.Gateway.URL != "" {
		c.Kernel.Gateway.URL = o.Kernel.Gateway.URL
	}
	if o.Kernel.Gateway.Token != "" {
		c.Kernel.Gateway.Token = o.Kernel.Gateway.Token
	}
	if o.Kernel.Gateway.KernelName != "" {
		c.Kernel.Gateway.KernelName = o.Kernel.Gateway.KernelName
	}
	if o.Execution.MessageTimeout != 0 {
		c.Execution.MessageTimeout = o.Execution.MessageTimeout
	}
	if o.Log.Verbosity != 0 {
		c.Log.Verbosity = o.Log.Verbosity
	}
	if o.Log.File != "" {
		c.Log.File = o.Log.File
	}
}

// Validate checks c against the configuration schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid configuration: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}

	if c.Kernel.Backend == BackendLocal && !argvHasConnectionFile(c.Kernel.Argv) {
		return fmt.Errorf("invalid configuration: kernel.argv must contain %s", ConnectionFileArg)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func argvHasConnectionFile(argv []string) bool {
	for _, a := range argv {
		if strings.Contains(a, ConnectionFileArg) {
			return true
		}
	}
	return false
}
