package cmddebug

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/sealbox"
	"github.com/creachadair/sealbox/cmd/sb/config"
	"github.com/creachadair/sealbox/lzw"
	"github.com/creachadair/sealbox/storage"
)

var Command = &command.C{
	Name:     "debug",
	Help:     "Debug commands (potentially dangerous).",
	Unlisted: true,

	Commands: []*command.C{{
		Name:     "encrypt",
		Usage:    "<json-value>",
		Help:     "Encrypt a JSON value with the store key and print the sealed result.",
		SetFlags: command.Flags(flax.MustBind, &encryptFlags),
		Run:      command.Adapt(runDebugEncrypt),
	}, {
		Name:     "decrypt",
		Usage:    "<envelope>",
		Help:     "Decrypt an envelope produced by \"debug encrypt\" and print the plaintext.",
		SetFlags: command.Flags(flax.MustBind, &decryptFlags),
		Run:      command.Adapt(runDebugDecrypt),
	}, {
		Name:  "compress",
		Usage: "<text>",
		Help:  "Print the compressed encoding of text, and the compression ratio.",
		Run:   command.Adapt(runDebugCompress),
	}, {
		Name:  "decompress",
		Usage: "<stream>",
		Help:  "Print the text encoded by a compressed stream.",
		Run:   command.Adapt(runDebugDecompress),
	}, {
		Name:  "show-record",
		Usage: "<name>",
		Help:  "Print the stored (encrypted) record for a name without decrypting it.",
		Run:   command.Adapt(runDebugShowRecord),
	}},
}

var encryptFlags struct {
	NoCompress bool `flag:"no-compress,Do not compress the value"`
}

// runDebugEncrypt implements the "debug encrypt" subcommand.
func runDebugEncrypt(env *command.Env, value string) error {
	if !json.Valid([]byte(value)) {
		return errors.New("value is not valid JSON")
	}
	s, err := config.OpenVault(env)
	if err != nil {
		return err
	}
	defer s.Close()

	sealed, err := s.Engine.Encrypt(json.RawMessage(value), !encryptFlags.NoCompress)
	if err != nil {
		return config.Explain(err)
	}
	return printJSON(sealed)
}

var decryptFlags struct {
	Compressed bool `flag:"z,The envelope holds a compressed value"`
}

// runDebugDecrypt implements the "debug decrypt" subcommand.
func runDebugDecrypt(env *command.Env, envelope string) error {
	s, err := config.OpenVault(env)
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := s.Engine.Decrypt(sealbox.Envelope(envelope), decryptFlags.Compressed)
	if err != nil {
		return config.Explain(err)
	}
	fmt.Fprintf(env, "Kind: %v\n", p.Kind)
	fmt.Println(p.String())
	return nil
}

// runDebugCompress implements the "debug compress" subcommand.
func runDebugCompress(env *command.Env, text string) error {
	fmt.Println(lzw.Compress(text))
	fmt.Fprintf(env, "Ratio: %.3f\n", lzw.Ratio(text))
	return nil
}

// runDebugDecompress implements the "debug decompress" subcommand.
func runDebugDecompress(env *command.Env, stream string) error {
	text, err := lzw.Decompress(stream)
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}

// runDebugShowRecord implements the "debug show-record" subcommand.
func runDebugShowRecord(env *command.Env, name string) error {
	cfg, err := config.Config(env)
	if err != nil {
		return err
	}
	b, err := storage.Open(cfg.Store.Backend, cfg.StorePath())
	if err != nil {
		return err
	}
	defer b.Close()

	data, err := b.Get(env.Context(), sealbox.RecordPrefix+name)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no record for %q", name)
	} else if err != nil {
		return err
	}
	var rec sealbox.Sealed
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("%w: %w", sealbox.ErrMalformedRecord, err)
	}
	return printJSON(struct {
		Name string `json:"name"`
		Key  string `json:"storage_key"`
		Len  int    `json:"envelope_bytes"`
		sealbox.Sealed
	}{
		Name:   name,
		Key:    sealbox.RecordPrefix + name,
		Len:    rec.Envelope.Len(),
		Sealed: rec,
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
