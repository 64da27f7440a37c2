// Program sb is a command-line tool for sealbox encrypted stores.
package main

import (
	"os"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/sealbox/cmd/sb/config"

	"github.com/creachadair/sealbox/cmd/sb/internal/cmdbackup"
	"github.com/creachadair/sealbox/cmd/sb/internal/cmddebug"
	"github.com/creachadair/sealbox/cmd/sb/internal/cmdvault"
)

func main() {
	var flags struct {
		Config  string `flag:"config,default=$SEALBOX_CONFIG,Configuration file path"`
		Store   string `flag:"store,Store path (overrides the configuration)"`
		Backend string `flag:"backend,Store backend: file, sqlite, or memory"`
		Log     string `flag:"log-level,Diagnostic log level (overrides the configuration)"`
	}
	root := &command.C{
		Name: command.ProgramName(),
		Help: `🔒 A command-line tool for sealbox encrypted stores.

A sealbox store holds named values encrypted with a key derived
from a passphrase. Values are JSON; use put --raw to store plain
text. The passphrase is read from the SEALBOX_PASSPHRASE environment
variable if it is set, otherwise it is prompted for at the terminal.

Settings are read from a YAML configuration file given by --config,
the SEALBOX_CONFIG environment variable, or the default location in
the user configuration directory. Use --store and --backend to
override the store location for a single command.`,

		SetFlags: command.Flags(flax.MustBind, &flags),

		Init: func(env *command.Env) error {
			env.Config = &config.Settings{
				ConfigPath: flags.Config,
				StorePath:  flags.Store,
				Backend:    flags.Backend,
				LogLevel:   flags.Log,
			}
			return nil
		},

		Commands: config.CloseLogAfter(append(append(cmdvault.Commands, cmdbackup.Commands...),
			command.HelpCommand([]command.HelpTopic{{
				Name: "config",
				Help: `Format of the configuration file.

The configuration file is YAML. All fields are optional:

  store:
    backend: file         # file, sqlite, or memory
    path: ~/.local/share/sealbox/store.json
  kdf:
    iterations: 100000    # must match the value used to create the store
  cipher: aes-256-gcm     # or chacha20-poly1305
  compress: true
  log:
    level: warn
    file: ""              # if set, logs are written here with rotation

A path beginning with "~/" is relative to the home directory, and one
beginning with "$0/" is relative to the directory of the executable.`,
			}}),
			command.VersionCommand(),
			cmddebug.Command,
		)),
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}
