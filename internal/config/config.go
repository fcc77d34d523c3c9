// Package config holds the user-facing tunables of the capa command.
//
// Values are layered: defaults, then an optional YAML file, then CAPA_*
// environment variables, then command line flags applied by the caller.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/Ana06/capa/internal/analysis"
	"github.com/Ana06/capa/internal/extract"
	"github.com/Ana06/capa/internal/logging"
)

// Config represents configuration for the capa tool
type Config struct {
	Debug            bool `json:"debug" yaml:"debug" jsonschema:"title=Debug,description=Enable debug logging"`
	Workers          int  `json:"workers" yaml:"workers" jsonschema:"title=Workers,description=Functions extracted concurrently,minimum=1"`
	CookieWindow     int  `json:"cookieWindow" yaml:"cookieWindow" jsonschema:"title=Cookie Window,description=Instructions searched around an xor for the security cookie idiom,minimum=1"`
	MinStringLength  int  `json:"minStringLength" yaml:"minStringLength" jsonschema:"title=Minimum String Length,description=Shortest printable run reported as a string,minimum=1"`
	MaxStringLength  int  `json:"maxStringLength" yaml:"maxStringLength" jsonschema:"title=Maximum String Length,description=Bytes read at a candidate string address,minimum=1"`
	MaxDerefDepth    int  `json:"maxDerefDepth" yaml:"maxDerefDepth" jsonschema:"title=Maximum Dereference Depth,description=Pointer hops followed looking for a string,minimum=0"`
	MaxFunctionInsns int  `json:"maxFunctionInsns" yaml:"maxFunctionInsns" jsonschema:"title=Maximum Function Size,description=Instructions decoded per function before giving up,minimum=1"`
	NoColor          bool `json:"noColor" yaml:"noColor" jsonschema:"title=No Color,description=Disable syntax highlighting"`
}

// Default returns the stock configuration.
func Default() Config {
	p := extract.DefaultPolicy()
	return Config{
		Workers:          runtime.GOMAXPROCS(0),
		CookieWindow:     p.CookieWindow,
		MinStringLength:  analysis.MinStringLength,
		MaxStringLength:  analysis.MaxStringLength,
		MaxDerefDepth:    analysis.MaxDerefDepth,
		MaxFunctionInsns: 100_000,
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

var intEnv = []struct {
	name  string
	field func(*Config) *int
}{
	{"CAPA_WORKERS", func(c *Config) *int { return &c.Workers }},
	{"CAPA_COOKIE_WINDOW", func(c *Config) *int { return &c.CookieWindow }},
	{"CAPA_MIN_STRING_LENGTH", func(c *Config) *int { return &c.MinStringLength }},
	{"CAPA_MAX_STRING_LENGTH", func(c *Config) *int { return &c.MaxStringLength }},
	{"CAPA_MAX_DEREF_DEPTH", func(c *Config) *int { return &c.MaxDerefDepth }},
	{"CAPA_MAX_FUNCTION_INSNS", func(c *Config) *int { return &c.MaxFunctionInsns }},
}

func (c *Config) applyEnv() error {
	for _, e := range intEnv {
		s := os.Getenv(e.name)
		if s == "" {
			continue
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
		*e.field(c) = v
	}
	if os.Getenv("CAPA_NO_COLOR") != "" {
		c.NoColor = true
	}
	if logging.IsDebug() {
		c.Debug = true
	}
	return nil
}

// Validate rejects sizes that would disable extraction.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("workers", c.Workers)
	positive("cookieWindow", c.CookieWindow)
	positive("minStringLength", c.MinStringLength)
	positive("maxStringLength", c.MaxStringLength)
	positive("maxFunctionInsns", c.MaxFunctionInsns)
	if c.MaxDerefDepth < 0 {
		errs = append(errs, fmt.Errorf("maxDerefDepth must not be negative, got %d", c.MaxDerefDepth))
	}
	if c.MinStringLength > c.MaxStringLength {
		errs = append(errs, fmt.Errorf("minStringLength %d exceeds maxStringLength %d", c.MinStringLength, c.MaxStringLength))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Policy returns the handler tunables.
func (c Config) Policy() extract.Policy {
	return extract.Policy{
		CookieWindow:    c.CookieWindow,
		MinStringLength: c.MinStringLength,
		MaxStringLength: c.MaxStringLength,
		MaxDerefDepth:   c.MaxDerefDepth,
	}
}

// Schema returns the JSON schema of Config, indented.
func Schema() ([]byte, error) {
	reflector := new(jsonschema.Reflector)
	bts, err := json.MarshalIndent(reflector.Reflect(&Config{}), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return bts, nil
}
