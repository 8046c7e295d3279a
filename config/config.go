// Package config handles hotswap.toml runtime configuration.
//
// The TOML document is checked against an embedded CUE schema, which also
// supplies the defaults, so a missing file and an empty file behave the
// same.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
)

// FileName is the configuration file FindAndLoad looks for.
const FileName = "hotswap.toml"

//go:embed schema.cue
var schema []byte

var ErrInvalid = errors.New("config: invalid configuration")

// Config represents a hotswap.toml file.
type Config struct {
	Tables  Tables  `json:"tables"`
	Workers Workers `json:"workers"`
	Archive Archive `json:"archive"`
	Watch   Watch   `json:"watch"`
	Log     Log     `json:"log"`

	// Dir is the directory containing the file (set at load time, empty
	// for defaults).
	Dir string `json:"-"`
}

// Tables sizes the per-slot module tables and the trace registry.
type Tables struct {
	ModuleLimit int `json:"module_limit"`
	TraceLimit  int `json:"trace_limit"`
}

// Workers configures the scheduler.
type Workers struct {
	Count             int    `json:"count"`
	QueueSize         int    `json:"queue_size"`
	SafePointInterval string `json:"safe_point_interval"`
}

// Archive configures the persistent code archive.
type Archive struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver"`
	DSN     string `json:"dsn"`
}

// Watch configures the module directory watcher.
type Watch struct {
	Dirs      []string `json:"dirs"`
	Extension string   `json:"extension"`
	Debounce  string   `json:"debounce"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `json:"verbosity"`
	File      string `json:"file"`
}

// Default returns the schema defaults.
func Default() *Config {
	c, err := Parse(nil, "<default>")
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema defaults do not validate: %v", err))
	}
	return c
}

// Parse decodes TOML data, applies the schema and returns the result.
func Parse(data []byte, filename string) (*Config, error) {
	doc := map[string]any{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", filename, err)
	}

	ctx := cuecontext.New()
	schemaValue := ctx.CompileBytes(schema, cue.Filename("schema.cue"))
	if schemaValue.Err() != nil {
		return nil, fmt.Errorf("internal error: failed to compile schema: %w", schemaValue.Err())
	}
	root := schemaValue.LookupPath(cue.ParsePath("#Config"))

	unified := root.Unify(ctx.Encode(doc))
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, filename, err)
	}

	var c Config
	if err := unified.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, filename, err)
	}
	for _, d := range []string{c.Workers.SafePointInterval, c.Watch.Debounce} {
		if _, err := time.ParseDuration(d); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, filename, err)
		}
	}
	return &c, nil
}

// Load parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a hotswap.toml file and
// loads it. Without one the defaults are returned.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// SafePointInterval returns workers.safe_point_interval.
func (c *Config) SafePointInterval() time.Duration {
	d, _ := time.ParseDuration(c.Workers.SafePointInterval)
	return d
}

// Debounce returns watch.debounce.
func (c *Config) Debounce() time.Duration {
	d, _ := time.ParseDuration(c.Watch.Debounce)
	return d
}

// Resolve makes p absolute relative to the configuration directory.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// WatchDirs returns the watched directories resolved against Dir.
func (c *Config) WatchDirs() []string {
	var paths []string
	for _, d := range c.Watch.Dirs {
		paths = append(paths, c.Resolve(d))
	}
	return paths
}

// LogFile returns the resolved log file path, or nil for stderr.
func (c *Config) LogFile() *string {
	if c.Log.File == "" {
		return nil
	}
	p := c.Resolve(c.Log.File)
	return &p
}
