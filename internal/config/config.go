// Package config loads the optional .mdmirror.toml file. File values become
// flag defaults; flags given on the command line win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DefaultFile is looked up in the working directory when no --config is given.
const DefaultFile = ".mdmirror.toml"

// Duration is a time.Duration written as "500ms", "2s" and so on.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// File mirrors the keys of .mdmirror.toml. Pointer fields distinguish "unset"
// from a zero value.
type File struct {
	Out               string    `toml:"out"`
	MirrorTo          *string   `toml:"mirror-to"`
	Prune             *bool     `toml:"prune"`
	IndexSource       string    `toml:"index-source"`
	MaxDepth          *int      `toml:"max-depth"`
	Debounce          *Duration `toml:"debounce"`
	Settle            *Duration `toml:"settle"`
	CopyAttempts      int       `toml:"copy-attempts"`
	Port              *int      `toml:"port"`
	AllowHiddenPrefix *string   `toml:"allow-hidden-prefix"`
	SkipDirs          []string  `toml:"skip-dirs"`
	IgnoreFile        string    `toml:"ignore-file"`
	LogLevel          string    `toml:"log-level"`
	LogFormat         string    `toml:"log-format"`
	LogFile           string    `toml:"log-file"`
}

// Settings is the resolved configuration with every default applied.
type Settings struct {
	Out               string
	MirrorTo          string
	Prune             bool
	IndexSource       string // "watch" or "mirror"; empty picks mirror when mirroring
	MaxDepth          int
	Debounce          time.Duration
	Settle            time.Duration
	CopyAttempts      int
	Port              int
	AllowHiddenPrefix string
	SkipDirs          []string
	IgnoreFile        string
	LogLevel          string
	LogFormat         string
	LogFile           string
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		Out:               "files.json",
		MirrorTo:          "md",
		MaxDepth:          -1,
		Debounce:          500 * time.Millisecond,
		Settle:            150 * time.Millisecond,
		CopyAttempts:      5,
		AllowHiddenPrefix: ".claude",
		SkipDirs:          []string{"__pycache__", "node_modules"},
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// Load reads path, or DefaultFile when path is empty, and merges it over the
// defaults. A missing default file is not an error; a missing explicit one is.
func Load(path string) (Settings, error) {
	s := Defaults()
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return s, fmt.Errorf("read config %s: %w", path, err)
	}

	var f File
	if err := toml.Unmarshal(b, &f); err != nil {
		return s, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := f.apply(&s); err != nil {
		return s, fmt.Errorf("config %s: %w", path, err)
	}
	return s, nil
}

func (f File) apply(s *Settings) error {
	if f.Out != "" {
		s.Out = f.Out
	}
	if f.MirrorTo != nil {
		s.MirrorTo = *f.MirrorTo
	}
	if f.Prune != nil {
		s.Prune = *f.Prune
	}
	switch f.IndexSource {
	case "", "watch", "mirror":
		if f.IndexSource != "" {
			s.IndexSource = f.IndexSource
		}
	default:
		return fmt.Errorf("index-source must be \"watch\" or \"mirror\", got %q", f.IndexSource)
	}
	if f.MaxDepth != nil {
		s.MaxDepth = *f.MaxDepth
	}
	if f.Debounce != nil {
		if *f.Debounce <= 0 {
			return errors.New("debounce must be positive")
		}
		s.Debounce = time.Duration(*f.Debounce)
	}
	if f.Settle != nil {
		s.Settle = time.Duration(*f.Settle)
	}
	if f.CopyAttempts > 0 {
		s.CopyAttempts = f.CopyAttempts
	}
	if f.Port != nil {
		s.Port = *f.Port
	}
	if f.AllowHiddenPrefix != nil {
		s.AllowHiddenPrefix = *f.AllowHiddenPrefix
	}
	if f.SkipDirs != nil {
		s.SkipDirs = f.SkipDirs
	}
	if f.IgnoreFile != "" {
		s.IgnoreFile = f.IgnoreFile
	}
	if f.LogLevel != "" {
		s.LogLevel = f.LogLevel
	}
	if f.LogFormat != "" {
		s.LogFormat = f.LogFormat
	}
	if f.LogFile != "" {
		s.LogFile = f.LogFile
	}
	return nil
}
