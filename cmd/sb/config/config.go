// Package config contains shared configuration settings for sb subcommands.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/creachadair/command"
	"github.com/creachadair/sealbox/config"
	"github.com/creachadair/sealbox/internal/logging"
	"github.com/creachadair/sealbox/sblib"
)

// Settings are shared settings used by sb subcommands.
type Settings struct {
	ConfigPath string // from --config
	StorePath  string // from --store
	Backend    string // from --backend
	LogLevel   string // from --log-level

	cfg    *config.Config
	log    *slog.Logger
	closer io.Closer // releases the log file, if any
}

// Config returns the effective configuration for env: the defaults, updated
// by the configuration file if one exists, updated by command-line flags.
// A configuration file named explicitly must exist.
func Config(env *command.Env) (*config.Config, error) {
	set := env.Config.(*Settings)
	if set.cfg != nil {
		return set.cfg, nil
	}
	cfg := config.Default()
	path := set.ConfigPath
	if path == "" {
		path = config.DefaultPath()
	}
	if path != "" {
		// A missing file in the default location means "use defaults".
		err := cfg.Load(path)
		if err != nil && (set.ConfigPath != "" || !errors.Is(err, fs.ErrNotExist)) {
			return nil, err
		}
	}
	merged := cfg.Merge(config.Config{
		Store: config.Store{Backend: set.Backend, Path: set.StorePath},
		Log:   config.Log{Level: set.LogLevel},
	})
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	set.cfg = &merged
	return set.cfg, nil
}

// Logger returns the diagnostic logger for env, configured by Config.
func Logger(env *command.Env) (*slog.Logger, error) {
	set := env.Config.(*Settings)
	if set.log != nil {
		return set.log, nil
	}
	cfg, err := Config(env)
	if err != nil {
		return nil, err
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	log, closer, err := logging.New(os.Stderr, logging.Config{
		Level:      level,
		File:       config.ExpandPath(cfg.Log.File),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return nil, err
	}
	set.log, set.closer = log, closer
	return log, nil
}

// CloseLog releases the log file opened by Logger for env, if any. After
// CloseLog, a later call to Logger opens the log again.
func CloseLog(env *command.Env) error {
	set, ok := env.Config.(*Settings)
	if !ok || set.closer == nil {
		return nil
	}
	err := set.closer.Close()
	set.log, set.closer = nil, nil
	return err
}

// CloseLogAfter wraps the Run function of each command in cs, and of their
// subcommands, so that the log file is closed when the command finishes.
// It returns cs.
func CloseLogAfter(cs []*command.C) []*command.C {
	for _, c := range cs {
		if run := c.Run; run != nil {
			c.Run = func(env *command.Env) error {
				err := run(env)
				if cerr := CloseLog(env); cerr != nil && err == nil {
					err = fmt.Errorf("close log: %w", cerr)
				}
				return err
			}
		}
		CloseLogAfter(c.Commands)
	}
	return cs
}

// OpenVault opens and unlocks the store for env. The caller must close the
// session when done with it.
func OpenVault(env *command.Env) (*sblib.Session, error) {
	cfg, err := Config(env)
	if err != nil {
		return nil, err
	}
	log, err := Logger(env)
	if err != nil {
		return nil, err
	}
	s, err := sblib.OpenVault(env.Context(), cfg, log)
	if err != nil {
		return nil, Explain(err)
	}
	return s, nil
}

// Explain annotates err with a suggested remedy, if sblib has one.
func Explain(err error) error {
	if hint := sblib.Explain(err); hint != "" {
		return fmt.Errorf("%w\n%s", err, hint)
	}
	return err
}
