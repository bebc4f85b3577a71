package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// Defaults applied to settings left unset by the file and the environment.
const (
	DefaultWorkingDirectory = "."
	DefaultListenAddress    = ":3000"
	DefaultBacklog          = 1024
	DefaultWorkerProcesses  = 1
	DefaultTimeoutSeconds   = 60
)

var validate = validator.New()

// Listener describes one listen socket.
type Listener struct {
	Address   string `yaml:"address"    validate:"required"` // socket path, port, or host:port
	Backlog   int    `yaml:"backlog"    validate:"gte=0"`    // accept queue length
	TCPNoPush bool   `yaml:"tcp_nopush"`                     // TCP_CORK on Linux, TCP_NOPUSH on BSD
}

// Config is the server launch configuration.
type Config struct {
	WorkingDirectory string     `yaml:"working_directory" validate:"required"`
	PidFile          string     `yaml:"pid"`
	StdoutPath       string     `yaml:"stdout_path"`
	StderrPath       string     `yaml:"stderr_path"`
	Listeners        []Listener `yaml:"listen"            validate:"min=1,dive"`
	WorkerProcesses  int        `yaml:"worker_processes"  validate:"min=1"`
	TimeoutSeconds   int        `yaml:"timeout"           validate:"min=1"`
}

// envOverrides are applied on top of the file. Unset variables leave the
// file value alone.
type envOverrides struct {
	WorkingDirectory *string `env:"SERVER_WORKING_DIRECTORY"`
	PidFile          *string `env:"SERVER_PID"`
	StdoutPath       *string `env:"SERVER_STDOUT_PATH"`
	StderrPath       *string `env:"SERVER_STDERR_PATH"`
	WorkerProcesses  *int    `env:"SERVER_WORKER_PROCESSES"`
	TimeoutSeconds   *int    `env:"SERVER_TIMEOUT"`
}

// Load reads the configuration file at path, applies environment overrides
// and defaults, and validates the result. An empty path yields the defaults
// plus any environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read server config %q: %w", path, err)
		}
		if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
			return nil, fmt.Errorf("failed to parse server config %q: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("failed to parse server env overrides: %w", err)
	}
	if o.WorkingDirectory != nil {
		c.WorkingDirectory = *o.WorkingDirectory
	}
	if o.PidFile != nil {
		c.PidFile = *o.PidFile
	}
	if o.StdoutPath != nil {
		c.StdoutPath = *o.StdoutPath
	}
	if o.StderrPath != nil {
		c.StderrPath = *o.StderrPath
	}
	if o.WorkerProcesses != nil {
		c.WorkerProcesses = *o.WorkerProcesses
	}
	if o.TimeoutSeconds != nil {
		c.TimeoutSeconds = *o.TimeoutSeconds
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.WorkingDirectory == "" {
		c.WorkingDirectory = DefaultWorkingDirectory
	}
	if len(c.Listeners) == 0 {
		c.Listeners = []Listener{{Address: DefaultListenAddress}}
	}
	for i := range c.Listeners {
		if c.Listeners[i].Backlog == 0 {
			c.Listeners[i].Backlog = DefaultBacklog
		}
	}
	if c.WorkerProcesses == 0 {
		c.WorkerProcesses = DefaultWorkerProcesses
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
}

// Validate checks field constraints and that every listen address parses.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	var errs []error
	for _, l := range c.Listeners {
		if _, _, err := ParseAddress(l.Address); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Timeout returns the configured timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Resolve returns a copy of the configuration with an absolute working
// directory and every relative pid, log and unix socket path joined onto it.
func (c *Config) Resolve() (*Config, error) {
	wd, err := filepath.Abs(c.WorkingDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory %q: %w", c.WorkingDirectory, err)
	}

	out := *c
	out.WorkingDirectory = wd
	out.PidFile = resolvePath(wd, c.PidFile)
	out.StdoutPath = resolvePath(wd, c.StdoutPath)
	out.StderrPath = resolvePath(wd, c.StderrPath)
	out.Listeners = make([]Listener, len(c.Listeners))
	for i, l := range c.Listeners {
		network, addr, err := ParseAddress(l.Address)
		if err != nil {
			return nil, err
		}
		if network == NetworkUnix {
			l.Address = resolvePath(wd, addr)
		}
		out.Listeners[i] = l
	}
	return &out, nil
}

// Prepare changes the process working directory and creates the parent
// directories of the pid file, the log files and the unix sockets.
// It is meant to be called on a resolved configuration.
func (c *Config) Prepare() error {
	if err := os.Chdir(c.WorkingDirectory); err != nil {
		return fmt.Errorf("failed to change to working directory: %w", err)
	}

	dirs := []string{c.PidFile, c.StdoutPath, c.StderrPath}
	for _, l := range c.Listeners {
		if network, addr, err := ParseAddress(l.Address); err == nil && network == NetworkUnix {
			dirs = append(dirs, addr)
		}
	}
	for _, p := range dirs {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %q: %w", p, err)
		}
	}
	return nil
}

func resolvePath(wd, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(wd, p)
}
