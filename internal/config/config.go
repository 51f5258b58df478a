// Package config loads and validates job configuration. Documents are
// YAML; they are validated against an embedded CUE schema, which also
// supplies the defaults for omitted fields.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/inflow/internal/source"
)

//go:embed schema.cue
var schemaCUE string

// Process identifies the current processing step.
type Process struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Input names one input adapter and its backing files.
type Input struct {
	Kind  string   `json:"kind"`
	Paths []string `json:"paths"`
}

// Config is a validated job configuration.
type Config struct {
	Process         Process `json:"process"`
	MaxEvents       int     `json:"maxEvents"`
	MaxLumis        int     `json:"maxLumis"`
	RampdownSeconds int     `json:"rampdownSeconds"`
	Mode            string  `json:"mode"`
	ReportFrequency int     `json:"reportFrequency"`
	SkipEvents      int     `json:"skipEvents"`
	Inputs          []Input `json:"inputs"`
}

// ValidationError describes why a document failed schema validation.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("config: %s", e.Message)
}

// Load reads, validates and defaults a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates a YAML document against the schema and decodes it,
// with schema defaults applied.
func Parse(data []byte) (Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	cuectx := cuecontext.New()
	schema := cuectx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	unified := def.Unify(cuectx.Encode(doc))
	if err := unified.Validate(cue.Final(), cue.Concrete(true)); err != nil {
		return Config{}, formatCUEError(err)
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return Config{}, formatCUEError(err)
	}
	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// check covers the constraints the schema cannot express.
func (c Config) check() error {
	for i, in := range c.Inputs {
		if in.Kind == "sqlite" && len(in.Paths) == 0 {
			return &ValidationError{
				Path:    fmt.Sprintf("inputs[%d].paths", i),
				Message: "a sqlite input needs at least one path",
			}
		}
	}
	return nil
}

// SourceConfig converts to the sequencing engine's configuration.
func (c Config) SourceConfig() (source.Config, error) {
	mode, err := source.ParseProcessingMode(c.Mode)
	if err != nil {
		return source.Config{}, err
	}
	return source.Config{
		MaxEvents:       c.MaxEvents,
		MaxLumis:        c.MaxLumis,
		RampdownSeconds: c.RampdownSeconds,
		Mode:            mode,
		ProcessName:     c.Process.Name,
		ProcessVersion:  c.Process.Version,
		ReportFrequency: c.ReportFrequency,
	}, nil
}

// formatCUEError surfaces the first schema error with its path.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	return &ValidationError{
		Path:    strings.Join(cueerrors.Path(first), "."),
		Message: first.Error(),
	}
}
