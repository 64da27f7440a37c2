// Package cmdvault implements the sb subcommands that read and write
// individual records.
package cmdvault

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/sealbox"
	"github.com/creachadair/sealbox/clipboard"
	"github.com/creachadair/sealbox/cmd/sb/config"
	"github.com/creachadair/sealbox/sblib"
	"github.com/creachadair/sealbox/wordhash"
)

// Commands are the record subcommands.
var Commands = []*command.C{
	{
		Name: "init",
		Help: `Initialize a new store.

Choose a passphrase for the store and create its key derivation salt.
The passphrase cannot be changed afterward, and a store whose salt is
lost cannot be decrypted. It is an error if the store already exists.`,
		Run: command.Adapt(runInit),
	},
	{
		Name:  "put",
		Usage: "<name> [<json-value>]",
		Help: `Store a value under the given name.

The value is parsed as JSON. If it is omitted, it is read from stdin.
Use --raw to store the value as a string without parsing it. Use
--random n to store a newly generated random secret of length n; by
default it has letters and digits, --no-digits omits digits, and
--symbols adds punctuation. Any previous value for the name is replaced.`,
		SetFlags: command.Flags(flax.MustBind, &putFlags),
		Run:      command.Adapt(runPut),
	},
	{
		Name:     "get",
		Usage:    "<name>",
		Help:     "Print the value stored under the given name.",
		SetFlags: command.Flags(flax.MustBind, &getFlags),
		Run:      command.Adapt(runGet),
	},
	{
		Name:  "delete",
		Usage: "<name> ...",
		Help: `Delete the values stored under the given names.

Each record is overwritten with random data before it is removed.
Names that are not present are ignored.`,
		Run: command.Adapt(runDelete),
	},
	{
		Name: "list",
		Help: "List the names of all stored values.",
		Run:  command.Adapt(runList),
	},
	{
		Name:  "edit",
		Usage: "<name>",
		Help: `Edit the value stored under the given name.

The value is rendered as YAML in the editor named by $EDITOR. When
the editor exits, the changes are shown and must be confirmed before
they are stored. A name that is not present starts from an empty value.`,
		Run: command.Adapt(runEdit),
	},
}

// runInit implements the "init" subcommand.
func runInit(env *command.Env) error {
	cfg, err := config.Config(env)
	if err != nil {
		return err
	}
	log, err := config.Logger(env)
	if err != nil {
		return err
	}
	b, err := sblib.OpenBackend(cfg)
	if err != nil {
		return config.Explain(err)
	}
	defer b.Close()

	if ok, err := sblib.IsInitialized(env.Context(), b); err != nil {
		return config.Explain(err)
	} else if ok {
		return fmt.Errorf("store %q is already initialized", cfg.StorePath())
	}
	pp, err := sblib.ConfirmPassphrase("New passphrase: ")
	if err != nil {
		return err
	}
	s, err := sblib.Unlock(env.Context(), cfg, b, pp, log)
	if err != nil {
		return config.Explain(err)
	}
	s.Engine.Lock()
	fmt.Fprintf(env, "Initialized store %q\n", cfg.StorePath())
	return nil
}

var putFlags struct {
	Raw        bool `flag:"raw,Store the value as a string without parsing it"`
	NoCompress bool `flag:"no-compress,Do not compress the value"`
	Random     int  `flag:"random,Store a random secret of this length"`
	NoDigits   bool `flag:"no-digits,Omit digits from a random secret"`
	Symbols    bool `flag:"symbols,Include punctuation in a random secret"`
}

// runPut implements the "put" subcommand.
func runPut(env *command.Env, name string, optValue ...string) error {
	if len(optValue) > 1 {
		return env.Usagef("extra arguments after value: %q", optValue[1:])
	}
	if putFlags.Random > 0 && len(optValue) != 0 {
		return env.Usagef("a value may not be given with --random")
	}
	value, err := putValue(optValue)
	if err != nil {
		return err
	}

	s, err := config.OpenVault(env)
	if err != nil {
		return err
	}
	defer s.Close()

	v := s.Vault
	if putFlags.NoCompress {
		v = sealbox.NewVault(s.Engine, &sealbox.VaultOptions{NoCompress: true})
	}
	if err := v.Store(env.Context(), name, value); err != nil {
		return config.Explain(err)
	}
	if putFlags.Random > 0 {
		fmt.Fprintf(env, "Stored a random secret under %q (%s)\n", name,
			wordhash.String([]byte(value.(sealbox.RawString))))
	}
	return nil
}

// putValue returns the value to store for the put command.
func putValue(optValue []string) (any, error) {
	if putFlags.Random > 0 {
		cs := sblib.Letters
		if !putFlags.NoDigits {
			cs |= sblib.Digits
		}
		if putFlags.Symbols {
			cs |= sblib.Symbols
		}
		return sealbox.RawString(sblib.RandomSecret(putFlags.Random, cs)), nil
	}

	var text string
	if len(optValue) == 1 {
		text = optValue[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read value: %w", err)
		}
		text = strings.TrimSuffix(string(data), "\n")
	}
	if putFlags.Raw {
		return sealbox.RawString(text), nil
	}
	if !json.Valid([]byte(text)) {
		return nil, errors.New("value is not valid JSON (use --raw to store it as a string)")
	}
	return json.RawMessage(text), nil
}

var getFlags struct {
	Copy bool `flag:"copy,Copy the value to the clipboard instead of printing it"`
}

// runGet implements the "get" subcommand.
func runGet(env *command.Env, name string) error {
	s, err := config.OpenVault(env)
	if err != nil {
		return err
	}
	defer s.Close()

	p, ok, err := s.Vault.Retrieve(env.Context(), name)
	if err != nil {
		return config.Explain(err)
	} else if !ok {
		return fmt.Errorf("no value stored for %q", name)
	}
	text := displayText(p)
	if getFlags.Copy {
		if err := clipboard.WriteString(text); err != nil {
			return fmt.Errorf("copying value: %w", err)
		}
		fmt.Println(wordhash.String([]byte(text)))
		return nil
	}
	fmt.Println(text)
	return nil
}

// displayText returns the text to show for p. A JSON string is shown
// without quotes, so that stored secrets can be used directly.
func displayText(p sealbox.Plaintext) string {
	if s, ok := p.Value().(string); ok {
		return s
	}
	return p.String()
}

// runDelete implements the "delete" subcommand.
func runDelete(env *command.Env, names ...string) error {
	if len(names) == 0 {
		return env.Usagef("at least one name is required")
	}
	s, err := config.OpenVault(env)
	if err != nil {
		return err
	}
	defer s.Close()

	for _, name := range names {
		if err := s.Vault.Delete(env.Context(), name); err != nil {
			return config.Explain(err)
		}
	}
	return nil
}

// runList implements the "list" subcommand.
func runList(env *command.Env) error {
	s, err := config.OpenVault(env)
	if err != nil {
		return err
	}
	defer s.Close()

	names, err := s.Vault.Keys(env.Context())
	if err != nil {
		return config.Explain(err)
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

// runEdit implements the "edit" subcommand.
func runEdit(env *command.Env, name string) error {
	s, err := config.OpenVault(env)
	if err != nil {
		return err
	}
	defer s.Close()

	// Notice changes made by other processes while the editor is open.
	stop := s.Watch(env.Context())
	defer stop()

	p, ok, err := s.Vault.Retrieve(env.Context(), name)
	if err != nil {
		return config.Explain(err)
	}
	var old any
	if ok {
		old = p.Value()
	}
	repl, err := sblib.Edit(env.Context(), name, old)
	if errors.Is(err, sblib.ErrNoChange) {
		fmt.Fprintln(env, "No change")
		return nil
	} else if err != nil {
		return err
	}
	if err := sblib.CheckUnchanged(env.Context(), s.Vault, name, p, ok); err != nil {
		return config.Explain(err)
	}
	if err := s.Vault.Store(env.Context(), name, editedValue(p, repl)); err != nil {
		return config.Explain(err)
	}
	fmt.Fprintf(env, "Updated %q\n", name)
	return nil
}

// editedValue returns the value to store for repl, the result of editing p.
// An edited string replacing a raw value stays raw.
func editedValue(p sealbox.Plaintext, repl any) any {
	if str, isStr := repl.(string); isStr && p.Kind == sealbox.Raw {
		return sealbox.RawString(str)
	}
	return repl
}
