// Package config handles sealbox configuration settings. Configurations are
// stored as YAML on disk.
//
// Settings are resolved in layers: built-in defaults, then the contents of
// the configuration file, then command-line flags. An empty field in a later
// layer does not override an earlier one.
package config

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/creachadair/sealbox"
	"github.com/creachadair/sealbox/envelope"
	"github.com/creachadair/sealbox/storage"
	yaml "gopkg.in/yaml.v3"
)

// EnvConfig is the name of the environment variable that may hold the path
// of the configuration file.
const EnvConfig = "SEALBOX_CONFIG"

// A Config represents the contents of a sealbox config file.
type Config struct {
	// Where and how records are stored.
	Store Store `yaml:"store,omitempty"`

	// Key derivation settings.
	KDF KDF `yaml:"kdf,omitempty"`

	// The AEAD construction: "aes-256-gcm" or "chacha20-poly1305".
	Cipher string `yaml:"cipher,omitempty"`

	// Whether to compress values before encryption (default true).
	Compress *bool `yaml:"compress,omitempty"`

	// Diagnostic logging settings.
	Log Log `yaml:"log,omitempty"`
}

// Store describes the storage backend.
type Store struct {
	// One of "file", "sqlite", or "memory".
	Backend string `yaml:"backend,omitempty"`

	// The path of the store. A leading "~/" is replaced by the home directory
	// and a leading "$0/" by the directory containing the executable.
	Path string `yaml:"path,omitempty"`
}

// KDF describes key derivation settings.
type KDF struct {
	// The PBKDF2 iteration count. Changing this makes existing data unreadable.
	Iterations int `yaml:"iterations,omitempty"`
}

// Log describes diagnostic logging.
type Log struct {
	// One of "debug", "info", "warn", "error".
	Level string `yaml:"level,omitempty"`

	// If set, logs are written to this file with rotation; otherwise stderr.
	File string `yaml:"file,omitempty"`

	// Rotation limits for File.
	MaxSizeMB  int `yaml:"max-size-mb,omitempty"`
	MaxBackups int `yaml:"max-backups,omitempty"`
}

// Default returns a Config populated with default settings.
func Default() *Config {
	return &Config{
		Store: Store{
			Backend: storage.KindFile,
			Path:    "~/.local/share/sealbox/store.json",
		},
		KDF:      KDF{Iterations: sealbox.DefaultIterations},
		Cipher:   string(envelope.AES256GCM),
		Compress: pbool(true),
		Log: Log{
			Level:      "warn",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

func pbool(b bool) *bool { return &b }

// DefaultPath returns the path of the configuration file to use when none is
// given explicitly: the value of $SEALBOX_CONFIG if set, otherwise
// config.yaml in the sealbox subdirectory of the user config directory.
func DefaultPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "sealbox", "config.yaml")
}

// Load loads the contents of the specified path into c. Fields set in the
// file replace those of c. If path does not exist, the reported error
// satisfies errors.Is(err, fs.ErrNotExist) and c is unmodified.
func (c *Config) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var file Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	*c = file.merge(*c)
	return nil
}

// Merge returns a copy of c in which non-empty fields of o replace the
// corresponding fields of c.
func (c Config) Merge(o Config) Config { return o.merge(c) }

// merge returns a copy of c in which non-empty fields of d are used to fill
// empty fields of c.
func (c Config) merge(d Config) Config {
	c.Store.Backend = cmp.Or(c.Store.Backend, d.Store.Backend)
	c.Store.Path = cmp.Or(c.Store.Path, d.Store.Path)
	c.KDF.Iterations = cmp.Or(c.KDF.Iterations, d.KDF.Iterations)
	c.Cipher = cmp.Or(c.Cipher, d.Cipher)
	if c.Compress == nil {
		c.Compress = d.Compress
	}
	c.Log.Level = cmp.Or(c.Log.Level, d.Log.Level)
	c.Log.File = cmp.Or(c.Log.File, d.Log.File)
	c.Log.MaxSizeMB = cmp.Or(c.Log.MaxSizeMB, d.Log.MaxSizeMB)
	c.Log.MaxBackups = cmp.Or(c.Log.MaxBackups, d.Log.MaxBackups)
	return c
}

// Validate reports all the problems with c, or nil if there are none.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case storage.KindMemory:
	case storage.KindFile, storage.KindSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for backend %q", c.Store.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not recognized", c.Store.Backend))
	}
	if c.KDF.Iterations < sealbox.MinIterations {
		errs = append(errs, fmt.Errorf("kdf.iterations %d is below the minimum %d",
			c.KDF.Iterations, sealbox.MinIterations))
	}
	if !envelope.Cipher(c.Cipher).Valid() {
		errs = append(errs, fmt.Errorf("cipher %q is not recognized", c.Cipher))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		errs = append(errs, errors.New("log rotation limits must not be negative"))
	}
	return errors.Join(errs...)
}

// ParseLevel parses the name of a log level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q is not recognized", s)
	}
	return level, nil
}

// StorePath returns the store path of c with any leading "~/" or "$0/"
// expanded.
func (c *Config) StorePath() string { return ExpandPath(c.Store.Path) }

// ExpandPath expands a leading "~/" in path to the user's home directory and
// a leading "$0/" to the directory containing the running executable. Other
// paths are returned unchanged.
func ExpandPath(path string) string {
	if tail, ok := strings.CutPrefix(path, "$0/"); ok {
		if ep, err := os.Executable(); err == nil {
			return filepath.Join(filepath.Dir(ep), tail)
		}
	} else if tail, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, tail)
		}
	}
	return path
}

// EngineOptions returns engine options derived from c.
func (c *Config) EngineOptions(logger *slog.Logger) *sealbox.Options {
	return &sealbox.Options{
		Iterations: c.KDF.Iterations,
		Cipher:     envelope.Cipher(c.Cipher),
		Logger:     logger,
	}
}

// VaultOptions returns vault options derived from c.
func (c *Config) VaultOptions() *sealbox.VaultOptions {
	return &sealbox.VaultOptions{NoCompress: c.Compress != nil && !*c.Compress}
}

// String renders c as YAML.
func (c Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<invalid config: %v>", err)
	}
	return string(out)
}
