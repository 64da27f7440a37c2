// Package sblib is a support library for the sealbox command-line tool.
package sblib

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/creachadair/getpass"
	"github.com/creachadair/sealbox"
	"github.com/creachadair/sealbox/config"
	"github.com/creachadair/sealbox/storage"
)

// EnvPassphrase is the name of the environment variable that, if set,
// supplies the passphrase instead of prompting at the terminal.
const EnvPassphrase = "SEALBOX_PASSPHRASE"

var (
	// ErrWrongPassphrase is reported when a vault is opened with a passphrase
	// that does not decrypt its existing records.
	ErrWrongPassphrase = errors.New("incorrect passphrase")

	// ErrConflict is reported by CheckUnchanged when a record was modified in
	// the store by another process.
	ErrConflict = errors.New("record changed in the store")
)

// A Session is an open vault together with the resources it depends on.
type Session struct {
	Config  *config.Config
	Backend storage.Backend
	Engine  *sealbox.Engine
	Vault   *sealbox.Vault
	Logger  *slog.Logger
}

// Watch arranges for s to observe changes made to its store by other
// processes, if its backend supports that. The returned function stops
// watching and waits for the watcher to exit; it must be called before s is
// closed.
func (s *Session) Watch(ctx context.Context) (stop func()) {
	f, ok := s.Backend.(*storage.File)
	if !ok {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := f.Watch(ctx, s.Logger); err != nil {
			s.Logger.Warn("store watcher stopped", "path", f.Path(), "error", err)
		}
	}()
	return func() { cancel(); <-done }
}

// CheckUnchanged reports ErrConflict if the current content of the record for
// name in v differs from old, where found reports whether the record existed
// when old was read.
func CheckUnchanged(ctx context.Context, v *sealbox.Vault, name string, old sealbox.Plaintext, found bool) error {
	cur, ok, err := v.Retrieve(ctx, name)
	if err != nil {
		return err
	}
	if ok != found || cur.Kind != old.Kind || cur.String() != old.String() {
		return fmt.Errorf("%w: %q", ErrConflict, name)
	}
	return nil
}

// Close locks the engine and closes the storage backend.
func (s *Session) Close() error {
	s.Engine.Lock()
	return s.Backend.Close()
}

// OpenBackend validates cfg and opens the storage backend it describes.
func OpenBackend(cfg *config.Config) (storage.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	b, err := storage.Open(cfg.Store.Backend, cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return b, nil
}

// IsInitialized reports whether b holds a key derivation salt, meaning that
// a passphrase has already been chosen for it.
func IsInitialized(ctx context.Context, b storage.Backend) (bool, error) {
	_, err := b.Get(ctx, sealbox.SaltKey)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// OpenVault opens the store described by cfg and unlocks it with a
// passphrase from $SEALBOX_PASSPHRASE or the terminal. The store must
// already be initialized. If the store has records, the passphrase is
// checked against one of them, and ErrWrongPassphrase is reported if it does
// not match.
func OpenVault(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Session, error) {
	b, err := OpenBackend(cfg)
	if err != nil {
		return nil, err
	}
	if ok, err := IsInitialized(ctx, b); err != nil {
		b.Close()
		return nil, fmt.Errorf("open store: %w", err)
	} else if !ok {
		b.Close()
		return nil, fmt.Errorf("store %q is not initialized (run init first)", cfg.StorePath())
	}
	pp, err := Passphrase("Passphrase: ")
	if err != nil {
		b.Close()
		return nil, err
	}
	s, err := Unlock(ctx, cfg, b, pp, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	if err := Verify(ctx, s.Vault); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Unlock derives a key from passphrase for the store in b and returns a
// session for it. Unlock does not check the passphrase.
func Unlock(ctx context.Context, cfg *config.Config, b storage.Backend, passphrase string, logger *slog.Logger) (*Session, error) {
	e, err := sealbox.NewEngine(b, cfg.EngineOptions(logger))
	if err != nil {
		return nil, err
	}
	if err := e.Initialize(ctx, passphrase); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		Config:  cfg,
		Backend: b,
		Engine:  e,
		Vault:   sealbox.NewVault(e, cfg.VaultOptions()),
		Logger:  logger,
	}, nil
}

// Verify checks that the engine of v can decrypt a record of v. It reports
// ErrWrongPassphrase if authentication fails, and succeeds trivially if v
// has no records.
func Verify(ctx context.Context, v *sealbox.Vault) error {
	names, err := v.Keys(ctx)
	if err != nil || len(names) == 0 {
		return err
	}
	_, _, err = v.Retrieve(ctx, names[0])
	if errors.Is(err, sealbox.ErrAuthenticationFailed) {
		return fmt.Errorf("%w: %w", ErrWrongPassphrase, err)
	}
	return err
}

// Passphrase returns the value of $SEALBOX_PASSPHRASE if it is set and
// non-empty; otherwise it prompts the user at the terminal with echo
// disabled. An empty passphrase is reported as an error.
func Passphrase(prompt string) (string, error) {
	if pp := os.Getenv(EnvPassphrase); pp != "" {
		return pp, nil
	}
	pp, err := getpass.Prompt(prompt)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	} else if pp == "" {
		return "", errors.New("empty passphrase")
	}
	return pp, nil
}

// ConfirmPassphrase prompts the user at the terminal for a passphrase with
// echo disabled, then prompts again for confirmation and reports an error if
// the two copies are not equal. If $SEALBOX_PASSPHRASE is set, its value is
// used without prompting.
func ConfirmPassphrase(prompt string) (string, error) {
	if pp := os.Getenv(EnvPassphrase); pp != "" {
		return pp, nil
	}
	passphrase, err := Passphrase(prompt)
	if err != nil {
		return "", err
	}
	confirm, err := getpass.Prompt("Confirm " + strings.ToLower(prompt))
	if err != nil {
		return "", fmt.Errorf("read confirmation: %w", err)
	}
	if confirm != passphrase {
		return "", errors.New("passphrases do not match")
	}
	return passphrase, nil
}

// Explain returns a short suggestion of what the user can do about err, or
// "" if there is nothing specific to suggest. It distinguishes a wrong
// passphrase or modified data, which no retry will fix, from a storage
// problem.
func Explain(err error) string {
	switch {
	case err == nil, errors.Is(err, sealbox.ErrEmptyName), errors.Is(err, sealbox.ErrNotStructured):
		return ""
	case errors.Is(err, sealbox.ErrInvalidName):
		return "Record names must be valid UTF-8 text."
	case errors.Is(err, ErrConflict):
		return "Another process changed the record during the edit. Edit it again to apply your changes."
	case errors.Is(err, ErrWrongPassphrase):
		return "The passphrase does not match this store. Check the passphrase and try again."
	case errors.Is(err, sealbox.ErrAuthenticationFailed):
		return "The data could not be authenticated: the passphrase is wrong, or the stored data were modified."
	case errors.Is(err, sealbox.ErrMalformedEnvelope),
		errors.Is(err, sealbox.ErrMalformedRecord),
		errors.Is(err, sealbox.ErrMalformedStream):
		return "The stored data are corrupted. Restore the affected records from a backup."
	case errors.Is(err, sealbox.ErrNotInitialized):
		return "The store is locked. Unlock it with a passphrase first."
	case errors.Is(err, fs.ErrPermission):
		return "The store is not accessible. Check the permissions of the store path."
	case errors.Is(err, fs.ErrNotExist):
		return "The store or one of its files is missing. Check the configured store path."
	case errors.Is(err, sealbox.ErrInit):
		return "The store could not be unlocked. Check that the store is readable and writable."
	}
	var oe *sealbox.OpError
	if errors.As(err, &oe) {
		return "The storage backend reported an error. Check that the store is available and retry."
	}
	return ""
}
