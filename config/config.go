package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/c360/stagegrid/control"
	"github.com/c360/stagegrid/descriptor"
	"github.com/c360/stagegrid/errors"
	"github.com/c360/stagegrid/orchestrator"
)

// Defaults
const (
	DefaultNATSURL = "nats://localhost:4222"
	DefaultBucket  = "STAGEGRID_ELECTION"
	EnvPrefix      = "STAGEGRID"
)

// Duration is a time.Duration that reads "30s" style strings as well as
// nanosecond integers.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON writes d as a duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// UnmarshalYAML accepts the same forms as UnmarshalJSON.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(n)
	return nil
}

// NATSConfig defines the control-plane connection
type NATSConfig struct {
	URL           string   `json:"url" yaml:"url"`
	SubjectPrefix string   `json:"subject_prefix" yaml:"subject_prefix"`
	Bucket        string   `json:"bucket" yaml:"bucket"`
	MaxReconnects int      `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
}

// TimeoutConfig holds the run's waits
type TimeoutConfig struct {
	Election Duration `json:"election" yaml:"election"`
	Listing  Duration `json:"listing" yaml:"listing"`
	Drain    Duration `json:"drain" yaml:"drain"`
	Poll     Duration `json:"poll" yaml:"poll"`
}

// StageSpec declares one stage, or several identical instances of it.
type StageSpec struct {
	Name      string            `json:"name" yaml:"name"`
	Kind      string            `json:"kind" yaml:"kind"`
	Instances int               `json:"instances,omitempty" yaml:"instances,omitempty"`
	Inputs    []string          `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs   []string          `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Fileset   string            `json:"fileset,omitempty" yaml:"fileset,omitempty"`
	Rank      *int              `json:"rank,omitempty" yaml:"rank,omitempty"`
	Options   map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Config is the complete run description
type Config struct {
	Run      string                                  `json:"run" yaml:"run"`
	NATS     NATSConfig                              `json:"nats" yaml:"nats"`
	Timeouts TimeoutConfig                           `json:"timeouts" yaml:"timeouts"`
	Queues   []descriptor.QueueSpec                  `json:"queues,omitempty" yaml:"queues,omitempty"`
	Filesets map[string]descriptor.FilesetDescriptor `json:"filesets,omitempty" yaml:"filesets,omitempty"`
	Stages   []StageSpec                             `json:"stages" yaml:"stages"`
}

func invalid(format string, args ...any) error {
	return errors.WrapFatal(fmt.Errorf("%w: "+format, append([]any{errors.ErrConfiguration}, args...)...),
		"Config", "Validate", "check configuration")
}

// Validate checks names and every queue and fileset reference.
func (c *Config) Validate() error {
	if c.Run == "" {
		return invalid("run is required")
	}
	if !isValidNATSSubjectPart(c.Run) {
		return invalid("run %q is not valid for NATS subjects", c.Run)
	}
	if c.NATS.SubjectPrefix != "" && !isValidNATSSubjectPart(c.NATS.SubjectPrefix) {
		return invalid("nats.subject_prefix %q is not valid for NATS subjects", c.NATS.SubjectPrefix)
	}
	if len(c.Stages) == 0 {
		return invalid("at least one stage is required")
	}

	queues := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q.Name == "" {
			return invalid("queue without name")
		}
		if queues[q.Name] {
			return invalid("duplicate queue %q", q.Name)
		}
		if q.Capacity < 0 {
			return invalid("queue %q has negative capacity", q.Name)
		}
		if q.Rate < 0 {
			return invalid("queue %q has negative rate", q.Name)
		}
		queues[q.Name] = true
	}

	for i, s := range c.Stages {
		if s.Kind == "" {
			return invalid("stage %d has no kind", i)
		}
		if s.Instances < 0 {
			return invalid("stage %q has negative instances", s.Name)
		}
		if len(s.Inputs) > 1 || len(s.Outputs) > 1 {
			return invalid("stage %q may read and write at most one queue each", s.Name)
		}
		for _, q := range append(append([]string{}, s.Inputs...), s.Outputs...) {
			if !queues[q] {
				return invalid("stage %q references unknown queue %q", s.Name, q)
			}
		}
		if s.Fileset != "" {
			if _, ok := c.Filesets[s.Fileset]; !ok {
				return invalid("stage %q references unknown fileset %q", s.Name, s.Fileset)
			}
		}
		if s.Rank != nil && s.Instances > 1 {
			return invalid("stage %q sets rank on several instances", s.Name)
		}
	}
	return nil
}

// Descriptors validates c and expands its stages into the descriptor set.
func (c *Config) Descriptors() (*descriptor.Set, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var stages []descriptor.StageDescriptor
	for _, s := range c.Stages {
		var fs *descriptor.FilesetDescriptor
		if s.Fileset != "" {
			f := c.Filesets[s.Fileset]
			if f.Name == "" {
				f.Name = s.Fileset
			}
			fs = &f
		}

		n := s.Instances
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			d := descriptor.StageDescriptor{
				Name:    s.Name,
				Kind:    s.Kind,
				Inputs:  s.Inputs,
				Outputs: s.Outputs,
				Options: s.Options,
				Rank:    s.Rank,
				Fileset: fs,
			}
			if n > 1 {
				if s.Name != "" {
					d.Name = fmt.Sprintf("%s-%d", s.Name, i)
				}
				if fs != nil && fs.Check {
					rank := i
					d.Rank = &rank
				}
			}
			stages = append(stages, d)
		}
	}
	return descriptor.NewSet(stages, c.Queues)
}

// ControlConfig returns the control channel settings for node self.
func (c *Config) ControlConfig(self descriptor.NodeID, dataAddress string) control.Config {
	return control.Config{
		Run:             c.Run,
		SubjectPrefix:   c.NATS.SubjectPrefix,
		Self:            self,
		DataAddress:     dataAddress,
		ElectionTimeout: c.Timeouts.Election.Std(),
		DrainTimeout:    c.Timeouts.Drain.Std(),
	}
}

// OrchestratorConfig returns the coordinator's barrier settings.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Run:            c.Run,
		PollInterval:   c.Timeouts.Poll.Std(),
		ListingTimeout: c.Timeouts.Listing.Std(),
	}
}

// String returns the configuration as indented JSON.
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{run: %s}", c.Run)
	}
	return string(data)
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(l.getDefaults())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrConfiguration, err),
				"Loader", "Load", "load "+path)
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode merged layers")
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrConfiguration, err),
			"Loader", "Load", "decode configuration")
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// getDefaults returns default configuration
func (l *Loader) getDefaults() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           DefaultNATSURL,
			SubjectPrefix: control.DefaultSubjectPrefix,
			Bucket:        DefaultBucket,
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Timeouts: TimeoutConfig{
			Election: Duration(control.DefaultElectionTimeout),
			Listing:  Duration(orchestrator.DefaultListingTimeout),
			Drain:    Duration(control.DefaultDrainTimeout),
			Poll:     Duration(orchestrator.DefaultPollInterval),
		},
	}
}

// loadRaw reads one layer as a generic map.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}
	removeNilValues(raw)
	if l.validation {
		if err := validateLayer(raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// deepMergeMaps merges override into base. Nested objects merge, everything
// else replaces.
func deepMergeMaps(base, override map[string]any) map[string]any {
	if base == nil {
		base = make(map[string]any)
	}
	for k, v := range override {
		if ov, ok := v.(map[string]any); ok {
			if bv, ok := base[k].(map[string]any); ok {
				base[k] = deepMergeMaps(bv, ov)
				continue
			}
		}
		base[k] = v
	}
	return base
}

// removeNilValues recursively removes nil values from a map
func removeNilValues(m map[string]any) {
	for k, v := range m {
		if v == nil {
			delete(m, k)
		} else if nested, ok := v.(map[string]any); ok {
			removeNilValues(nested)
		}
	}
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		key string
		dst *string
	}{
		{l.envPrefix + "_NATS_URL", &cfg.NATS.URL},
		{l.envPrefix + "_RUN", &cfg.Run},
	}
	for _, o := range overrides {
		val := os.Getenv(o.key)
		if val == "" {
			continue
		}
		if err := validateEnvVar(o.key, val); err != nil {
			return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrConfiguration, err),
				"Loader", "Load", "apply environment")
		}
		*o.dst = val
	}
	return nil
}
