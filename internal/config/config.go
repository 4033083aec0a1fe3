// Package config loads larch's YAML configuration, merges the default and
// named sections with CLI overrides, and resolves the result into the
// concrete run configuration.
package config

import (
	"fmt"
	"os"

	"github.com/hkdb/larch/internal/logging"
	"github.com/hkdb/larch/internal/uri"
	"gopkg.in/yaml.v3"
)

// ConfigError is a fatal configuration problem: bad verbosity, missing
// URIs, incompatible flags.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

func errf(format string, args ...interface{}) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// Section mirrors one YAML section. Pointer fields distinguish "unset"
// from an explicit value so sections merge by precedence.
type Section struct {
	From *string `yaml:"from"`
	To   *string `yaml:"to"`

	FromFolder *string `yaml:"from-folder"`
	ToFolder   *string `yaml:"to-folder"`

	All           *bool `yaml:"all"`
	AllSubscribed *bool `yaml:"all-subscribed"`
	NoRecurse     *bool `yaml:"no-recurse"`

	Delete         *bool `yaml:"delete"`
	Expunge        *bool `yaml:"expunge"`
	SyncFlags      *bool `yaml:"sync-flags"`
	DryRun         *bool `yaml:"dry-run"`
	NoCreateFolder *bool `yaml:"no-create-folder"`
	FastScan       *bool `yaml:"fast-scan"`

	Exclude     []string `yaml:"exclude"`
	ExcludeFile *string  `yaml:"exclude-file"`

	SSLCerts  *string `yaml:"ssl-certs"`
	SSLVerify *bool   `yaml:"ssl-verify"`

	MaxRetries *int    `yaml:"max-retries"`
	Verbosity  *string `yaml:"verbosity"`
}

// merge overlays src onto s: set fields in src win.
func (s *Section) merge(src *Section) {
	if src == nil {
		return
	}
	if src.From != nil {
		s.From = src.From
	}
	if src.To != nil {
		s.To = src.To
	}
	if src.FromFolder != nil {
		s.FromFolder = src.FromFolder
	}
	if src.ToFolder != nil {
		s.ToFolder = src.ToFolder
	}
	if src.All != nil {
		s.All = src.All
	}
	if src.AllSubscribed != nil {
		s.AllSubscribed = src.AllSubscribed
	}
	if src.NoRecurse != nil {
		s.NoRecurse = src.NoRecurse
	}
	if src.Delete != nil {
		s.Delete = src.Delete
	}
	if src.Expunge != nil {
		s.Expunge = src.Expunge
	}
	if src.SyncFlags != nil {
		s.SyncFlags = src.SyncFlags
	}
	if src.DryRun != nil {
		s.DryRun = src.DryRun
	}
	if src.NoCreateFolder != nil {
		s.NoCreateFolder = src.NoCreateFolder
	}
	if src.FastScan != nil {
		s.FastScan = src.FastScan
	}
	if len(src.Exclude) > 0 {
		s.Exclude = append(s.Exclude, src.Exclude...)
	}
	if src.ExcludeFile != nil {
		s.ExcludeFile = src.ExcludeFile
	}
	if src.SSLCerts != nil {
		s.SSLCerts = src.SSLCerts
	}
	if src.SSLVerify != nil {
		s.SSLVerify = src.SSLVerify
	}
	if src.MaxRetries != nil {
		s.MaxRetries = src.MaxRetries
	}
	if src.Verbosity != nil {
		s.Verbosity = src.Verbosity
	}
}

// File is a parsed configuration file: a default section plus named ones.
type File struct {
	Sections map[string]*Section
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errf("cannot read %s: %v", path, err)
	}
	sections := make(map[string]*Section)
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return nil, errf("cannot parse %s: %v", path, err)
	}
	return &File{Sections: sections}, nil
}

// Config is the fully resolved run configuration.
type Config struct {
	From *uri.URI
	To   *uri.URI

	FromFolder string
	ToFolder   string

	All           bool
	AllSubscribed bool
	Recurse       bool

	Delete       bool
	Expunge      bool
	SyncFlags    bool
	DryRun       bool
	CreateFolder bool
	FastScan     bool

	Exclusions []*Exclusion

	SSLCerts  string
	SSLVerify bool

	MaxRetries int
	Verbosity  string
}

// Resolve merges built-in defaults, the default section, the named
// section, and CLI overrides (highest precedence), then validates.
func (f *File) Resolve(name string, overrides *Section) (*Config, error) {
	merged := &Section{}
	merged.merge(f.Sections["default"])
	if name != "" && name != "default" {
		sec, ok := f.Sections[name]
		if !ok {
			return nil, errf("no section named %q", name)
		}
		merged.merge(sec)
	}
	merged.merge(overrides)
	return resolve(merged)
}

func resolve(s *Section) (*Config, error) {
	cfg := &Config{
		FromFolder:   "INBOX",
		ToFolder:     "INBOX",
		Recurse:      true,
		CreateFolder: true,
		SSLVerify:    true,
		MaxRetries:   3,
		Verbosity:    logging.LevelInfo,
	}

	if s.From == nil {
		return nil, errf("missing required option: from")
	}
	if s.To == nil {
		return nil, errf("missing required option: to")
	}
	from, err := uri.Parse(*s.From)
	if err != nil {
		return nil, err
	}
	to, err := uri.Parse(*s.To)
	if err != nil {
		return nil, err
	}
	cfg.From = from
	cfg.To = to

	if s.FromFolder != nil {
		cfg.FromFolder = *s.FromFolder
	}
	if s.ToFolder != nil {
		cfg.ToFolder = *s.ToFolder
	}
	if s.All != nil {
		cfg.All = *s.All
	}
	if s.AllSubscribed != nil {
		cfg.AllSubscribed = *s.AllSubscribed
	}
	// all wins over all-subscribed; a specific from-folder overrides both.
	if cfg.All {
		cfg.AllSubscribed = false
	}
	if s.FromFolder != nil {
		cfg.All = false
		cfg.AllSubscribed = false
	}

	if s.NoRecurse != nil && *s.NoRecurse {
		if cfg.All || cfg.AllSubscribed {
			return nil, errf("no-recurse cannot be combined with all or all-subscribed")
		}
		cfg.Recurse = false
	}

	if s.Delete != nil {
		cfg.Delete = *s.Delete
	}
	if s.Expunge != nil {
		cfg.Expunge = *s.Expunge
	}
	if s.SyncFlags != nil {
		cfg.SyncFlags = *s.SyncFlags
	}
	if s.DryRun != nil {
		cfg.DryRun = *s.DryRun
	}
	if s.NoCreateFolder != nil && *s.NoCreateFolder {
		cfg.CreateFolder = false
	}
	if s.FastScan != nil {
		cfg.FastScan = *s.FastScan
	}

	exclusions, err := CompileExclusions(s.Exclude)
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}
	cfg.Exclusions = exclusions
	if s.ExcludeFile != nil {
		fromFile, err := LoadExcludeFile(*s.ExcludeFile)
		if err != nil {
			return nil, &ConfigError{Reason: err.Error()}
		}
		cfg.Exclusions = append(cfg.Exclusions, fromFile...)
	}

	if s.SSLCerts != nil {
		cfg.SSLCerts = *s.SSLCerts
	}
	if s.SSLVerify != nil {
		cfg.SSLVerify = *s.SSLVerify
	}

	if s.MaxRetries != nil {
		if *s.MaxRetries < 0 {
			return nil, errf("max-retries must be >= 0")
		}
		cfg.MaxRetries = *s.MaxRetries
	}

	if s.Verbosity != nil {
		if _, _, err := logging.ParseLevel(*s.Verbosity); err != nil {
			return nil, errf("bad verbosity %q", *s.Verbosity)
		}
		cfg.Verbosity = *s.Verbosity
	}

	return cfg, nil
}
