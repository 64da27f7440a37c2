// Package cmdbackup implements the sb backup and restore subcommands.
package cmdbackup

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/creachadair/atomicfile"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/sealbox"
	"github.com/creachadair/sealbox/cmd/sb/config"
	"github.com/creachadair/sealbox/wordhash"
)

// Format is the format tag of backup files.
const Format = "sb1"

// Commands are the backup subcommands.
var Commands = []*command.C{
	{
		Name:  "backup",
		Usage: "<file>",
		Help: `Write an encrypted backup of the whole store to a file.

The backup is encrypted with the key of the store, so restoring it
requires the same passphrase and salt. The file is replaced atomically.`,
		SetFlags: command.Flags(flax.MustBind, &backupFlags),
		Run:      command.Adapt(runBackup),
	},
	{
		Name:  "restore",
		Usage: "<file>",
		Help: `Replace the contents of the store with a backup.

Every record in the backup is re-encrypted and written, and records
that are not in the backup are removed. Either the whole backup is
restored or the store is left unchanged.`,
		Run: command.Adapt(runRestore),
	},
	{
		Name:  "inspect",
		Usage: "<file>",
		Help:  "Describe the contents of a backup without restoring it.",
		Run:   command.Adapt(runInspect),
	},
}

// File is the encoding of a backup file.
type File struct {
	Format   string           `json:"format"`
	Envelope sealbox.Envelope `json:"envelope"`
}

var backupFlags struct {
	Force bool `flag:"f,Replace the file if it already exists"`
}

// runBackup implements the "backup" subcommand.
func runBackup(env *command.Env, path string) error {
	if _, err := os.Stat(path); err == nil && !backupFlags.Force {
		return fmt.Errorf("backup file %q already exists (use -f to replace it)", path)
	}
	s, err := config.OpenVault(env)
	if err != nil {
		return err
	}
	defer s.Close()

	bak, err := s.Vault.CreateBackup(env.Context())
	if err != nil {
		return config.Explain(err)
	}
	if err := atomicfile.Tx(path, 0600, func(f io.Writer) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(File{Format: Format, Envelope: bak})
	}); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	fmt.Fprintf(env, "Wrote backup %q (%s)\n", path, wordhash.String([]byte(bak)))
	return nil
}

// ReadFile reads and checks the backup file at path.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse backup: %w", err)
	} else if f.Format != Format {
		return nil, fmt.Errorf("unsupported backup format %q", f.Format)
	} else if f.Envelope == "" {
		return nil, fmt.Errorf("backup %q has no data", path)
	}
	return &f, nil
}

// runRestore implements the "restore" subcommand.
func runRestore(env *command.Env, path string) error {
	f, err := ReadFile(path)
	if err != nil {
		return err
	}
	s, err := config.OpenVault(env)
	if err != nil {
		return err
	}
	defer s.Close()

	info, err := s.Vault.InspectBackup(f.Envelope)
	if err != nil {
		return config.Explain(err)
	}
	if err := s.Vault.RestoreBackup(env.Context(), f.Envelope); err != nil {
		return config.Explain(err)
	}
	fmt.Fprintf(env, "Restored %d records from backup %s\n", info.Count, info.ID)
	return nil
}

// runInspect implements the "inspect" subcommand.
func runInspect(env *command.Env, path string) error {
	f, err := ReadFile(path)
	if err != nil {
		return err
	}
	s, err := config.OpenVault(env)
	if err != nil {
		return err
	}
	defer s.Close()

	info, err := s.Vault.InspectBackup(f.Envelope)
	if err != nil {
		return config.Explain(err)
	}
	fmt.Printf("ID:       %s\nCreated:  %s\nRecords:  %d\nChecksum: %s\n",
		info.ID, info.Created.Local().Format(time.RFC1123), info.Count,
		wordhash.String([]byte(f.Envelope)))
	return nil
}
