package sblib_test

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	mrand "math/rand"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/sealbox"
	"github.com/creachadair/sealbox/config"
	"github.com/creachadair/sealbox/sblib"
	gocmp "github.com/google/go-cmp/cmp"
)

const testPassphrase = "correct horse battery staple"

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store = config.Store{
		Backend: backend,
		Path:    filepath.Join(t.TempDir(), "store"),
	}
	cfg.KDF.Iterations = sealbox.MinIterations
	return cfg
}

func TestOpenVault(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{"file", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t, backend)

			// Opening an uninitialized store fails.
			t.Setenv(sblib.EnvPassphrase, testPassphrase)
			if s, err := sblib.OpenVault(ctx, cfg, nil); err == nil {
				s.Close()
				t.Fatal("OpenVault before init: got nil, want error")
			}

			// Initialize the store and add a record.
			b, err := sblib.OpenBackend(cfg)
			if err != nil {
				t.Fatalf("OpenBackend: unexpected error: %v", err)
			}
			s, err := sblib.Unlock(ctx, cfg, b, testPassphrase, nil)
			if err != nil {
				t.Fatalf("Unlock: unexpected error: %v", err)
			}
			if ok, err := sblib.IsInitialized(ctx, b); err != nil || !ok {
				t.Errorf("IsInitialized: got %v, %v; want true", ok, err)
			}
			if err := s.Vault.Store(ctx, "k", "v"); err != nil {
				t.Fatalf("Store: unexpected error: %v", err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close: unexpected error: %v", err)
			}

			// Reopen with the right passphrase.
			s, err = sblib.OpenVault(ctx, cfg, nil)
			if err != nil {
				t.Fatalf("OpenVault: unexpected error: %v", err)
			}
			p, ok, err := s.Vault.Retrieve(ctx, "k")
			if err != nil || !ok || p.Value() != "v" {
				t.Errorf("Retrieve: got (%v, %v, %v), want v", p, ok, err)
			}
			s.Close()

			// Reopen with the wrong passphrase.
			t.Setenv(sblib.EnvPassphrase, "wrong-password")
			if s, err := sblib.OpenVault(ctx, cfg, nil); !errors.Is(err, sblib.ErrWrongPassphrase) {
				if s != nil {
					s.Close()
				}
				t.Errorf("OpenVault: got %v, want %v", err, sblib.ErrWrongPassphrase)
			} else {
				t.Logf("OpenVault: got expected error: %v", err)
			}
		})
	}
}

func TestWatchConflict(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "file")

	open := func() *sblib.Session {
		t.Helper()
		b, err := sblib.OpenBackend(cfg)
		if err != nil {
			t.Fatalf("OpenBackend: unexpected error: %v", err)
		}
		s, err := sblib.Unlock(ctx, cfg, b, testPassphrase, nil)
		if err != nil {
			t.Fatalf("Unlock: unexpected error: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}

	editor := open()
	if err := editor.Vault.Store(ctx, "k", "original"); err != nil {
		t.Fatalf("Store: unexpected error: %v", err)
	}
	stop := editor.Watch(ctx)
	defer stop()

	p, ok, err := editor.Vault.Retrieve(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Retrieve: got (%v, %v, %v)", p, ok, err)
	}
	if err := sblib.CheckUnchanged(ctx, editor.Vault, "k", p, ok); err != nil {
		t.Errorf("CheckUnchanged before update: unexpected error: %v", err)
	}
	if err := sblib.CheckUnchanged(ctx, editor.Vault, "new", sealbox.Plaintext{}, false); err != nil {
		t.Errorf("CheckUnchanged(absent): unexpected error: %v", err)
	}

	// Another process updates the record. Keep writing until the watcher
	// reports it, since the watcher may not be registered for the first write.
	other := open()
	deadline := time.Now().Add(10 * time.Second)
	for {
		if err := other.Vault.Store(ctx, "k", "replaced"); err != nil {
			t.Fatalf("Store (other): unexpected error: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		err := sblib.CheckUnchanged(ctx, editor.Vault, "k", p, ok)
		if errors.Is(err, sblib.ErrConflict) {
			t.Logf("CheckUnchanged: got expected error: %v", err)
			break
		} else if err != nil {
			t.Fatalf("CheckUnchanged: unexpected error: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the update to be observed")
		}
	}
	if got := sblib.Explain(fmt.Errorf("edit: %w", sblib.ErrConflict)); !strings.Contains(got, "Edit it again") {
		t.Errorf("Explain(conflict): got %q", got)
	}

	// Watching a backend without change notification is a no-op.
	cfg2 := testConfig(t, "memory")
	b, err := sblib.OpenBackend(cfg2)
	if err != nil {
		t.Fatalf("OpenBackend: unexpected error: %v", err)
	}
	mem, err := sblib.Unlock(ctx, cfg2, b, testPassphrase, nil)
	if err != nil {
		t.Fatalf("Unlock: unexpected error: %v", err)
	}
	mem.Watch(ctx)()
	mem.Close()
}

func TestOpenBackendInvalid(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "floppy"
	if b, err := sblib.OpenBackend(cfg); err == nil {
		b.Close()
		t.Error("OpenBackend: got nil, want error")
	}
}

func TestPassphrase(t *testing.T) {
	t.Setenv(sblib.EnvPassphrase, "from the environment")
	got, err := sblib.Passphrase("Passphrase: ")
	if err != nil {
		t.Fatalf("Passphrase: unexpected error: %v", err)
	}
	if got != "from the environment" {
		t.Errorf("Passphrase: got %q, want %q", got, "from the environment")
	}
	if got, err := sblib.ConfirmPassphrase("New passphrase: "); err != nil || got != "from the environment" {
		t.Errorf("ConfirmPassphrase: got %q, %v", got, err)
	}
}

func TestExplain(t *testing.T) {
	tests := []struct {
		err  error
		want string // substring of the explanation, "" for none
	}{
		{nil, ""},
		{errors.New("something else"), ""},
		{fmt.Errorf("open: %w", sblib.ErrWrongPassphrase), "passphrase does not match"},
		{&sealbox.OpError{Op: "retrieve", Key: "k", Err: sealbox.ErrAuthenticationFailed}, "modified"},
		{&sealbox.OpError{Op: "retrieve", Key: "k", Err: sealbox.ErrMalformedRecord}, "corrupted"},
		{&sealbox.OpError{Op: "store", Key: "k", Err: sealbox.ErrNotInitialized}, "locked"},
		{&sealbox.OpError{Op: "store", Key: "k", Err: fs.ErrPermission}, "permissions"},
		{&sealbox.OpError{Op: "store", Key: "k", Err: errors.New("disk full")}, "storage backend"},
		{&sealbox.OpError{Op: "store", Key: "", Err: sealbox.ErrEmptyName}, ""},
		{&sealbox.OpError{Op: "store", Key: "x", Err: sealbox.ErrInvalidName}, "UTF-8"},
	}
	for _, tc := range tests {
		got := sblib.Explain(tc.err)
		if tc.want == "" && got != "" {
			t.Errorf("Explain(%v): got %q, want none", tc.err, got)
		} else if !strings.Contains(got, tc.want) {
			t.Errorf("Explain(%v): got %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestRandomSecret(t *testing.T) {
	mtest.Swap[io.Reader](t, &crand.Reader, mrand.New(mrand.NewSource(20261018140000)))

	tests := []struct {
		length  int
		charset sblib.Charset
	}{
		{5, 0},
		{8, 0},
		{12, sblib.AllChars},
		{25, sblib.Letters | sblib.Symbols},
		{37, sblib.Letters | sblib.Digits},
		{42, sblib.AllChars},
	}
	for _, tc := range tests {
		got := sblib.RandomSecret(tc.length, tc.charset)
		if len(got) < sblib.MinSecretLength {
			t.Errorf("Got length %d, want at least %d", len(got), sblib.MinSecretLength)
		} else if tc.length >= sblib.MinSecretLength && len(got) != tc.length {
			t.Errorf("Got length %d, want %d", len(got), tc.length)
		}
		t.Logf("Generated %q", got)
		hasLetter, hasDigit, hasSymbol := checkSecret(got)
		if !hasLetter {
			t.Error("No letters found")
		}
		if wd := tc.charset&sblib.Digits != 0; wd != hasDigit && len(got) > 20 {
			t.Errorf("Has digit = %v, want %v", hasDigit, wd)
		}
		if tc.charset&sblib.Digits == 0 && hasDigit {
			t.Error("Found a digit, want none")
		}
		if tc.charset&sblib.Symbols == 0 && hasSymbol {
			t.Error("Found a symbol, want none")
		}
	}
}

func checkSecret(s string) (hasLetter, hasDigit, hasOther bool) {
	for i := range s {
		if s[i] >= 'A' && s[i] <= 'Z' || s[i] >= 'a' && s[i] <= 'z' {
			hasLetter = true
		} else if s[i] >= '0' && s[i] <= '9' {
			hasDigit = true
		} else {
			hasOther = true
		}
	}
	return
}

func TestDecodeYAML(t *testing.T) {
	tests := []struct {
		input string
		want  any
	}{
		{"hello\n", "hello"},
		{"42\n", 42},
		{"name: Alice\nage: 30\n", map[string]any{"name": "Alice", "age": 30}},
		{"- a\n- {b: true}\n", []any{"a", map[string]any{"b": true}}},
	}
	for _, tc := range tests {
		got, err := sblib.DecodeYAML([]byte(tc.input))
		if err != nil {
			t.Errorf("DecodeYAML(%q): unexpected error: %v", tc.input, err)
			continue
		}
		if diff := gocmp.Diff(tc.want, got); diff != "" {
			t.Errorf("DecodeYAML(%q) (-want, +got):\n%s", tc.input, diff)
		}
	}

	if got, err := sblib.DecodeYAML([]byte("1: one\n2: two\n")); err == nil {
		t.Errorf("DecodeYAML(non-string key): got %v, want error", got)
	}
}
