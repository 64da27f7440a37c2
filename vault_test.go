package sealbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/creachadair/sealbox"
	"github.com/creachadair/sealbox/storage"
	gocmp "github.com/google/go-cmp/cmp"
)

func newVault(t *testing.T, db storage.Backend, passphrase string) *sealbox.Vault {
	t.Helper()
	return sealbox.NewVault(newEngine(t, db, passphrase), nil)
}

func mustStore(t *testing.T, v *sealbox.Vault, name string, value any) {
	t.Helper()
	if err := v.Store(context.Background(), name, value); err != nil {
		t.Fatalf("Store(%q): unexpected error: %v", name, err)
	}
}

func mustRetrieve(t *testing.T, v *sealbox.Vault, name string) sealbox.Plaintext {
	t.Helper()
	p, ok, err := v.Retrieve(context.Background(), name)
	if err != nil {
		t.Fatalf("Retrieve(%q): unexpected error: %v", name, err)
	} else if !ok {
		t.Fatalf("Retrieve(%q): not found", name)
	}
	return p
}

type profile struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func TestProfileScenario(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenFile(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("OpenFile: unexpected error: %v", err)
	}
	alice := profile{Name: "Alice", Age: 30}

	v := newVault(t, db, testPassphrase)
	mustStore(t, v, "profile", alice)

	check := func(t *testing.T, v *sealbox.Vault) {
		t.Helper()
		var got profile
		if err := mustRetrieve(t, v, "profile").Unmarshal(&got); err != nil {
			t.Fatalf("Unmarshal: unexpected error: %v", err)
		}
		if diff := gocmp.Diff(alice, got); diff != "" {
			t.Errorf("Retrieve (-want, +got):\n%s", diff)
		}
	}
	check(t, v)

	t.Run("FreshEngine", func(t *testing.T) {
		check(t, newVault(t, db, testPassphrase))
	})

	t.Run("Reopened", func(t *testing.T) {
		db2, err := storage.OpenFile(db.Path())
		if err != nil {
			t.Fatalf("OpenFile: unexpected error: %v", err)
		}
		check(t, newVault(t, db2, testPassphrase))
	})

	t.Run("WrongPassword", func(t *testing.T) {
		bad := newVault(t, db, wrongPassphrase)
		p, ok, err := bad.Retrieve(ctx, "profile")
		if !errors.Is(err, sealbox.ErrAuthenticationFailed) {
			t.Fatalf("Retrieve: got (%v, %v, %v), want %v", p, ok, err, sealbox.ErrAuthenticationFailed)
		}
		var oe *sealbox.OpError
		if !errors.As(err, &oe) || oe.Op != "retrieve" || oe.Key != "profile" {
			t.Errorf("Retrieve error: got %#v, want *OpError for retrieve profile", err)
		}
		if ok || !p.IsZero() {
			t.Errorf("Retrieve returned a value with an error: %v, %v", p, ok)
		}
		t.Logf("Retrieve: got expected error: %v", err)
	})
}

func TestStoreRetrieve(t *testing.T) {
	ctx := context.Background()
	v := newVault(t, storage.NewMemory(), testPassphrase)

	if p, ok, err := v.Retrieve(ctx, "nonesuch"); err != nil || ok {
		t.Errorf("Retrieve(nonesuch): got (%v, %v, %v), want absent", p, ok, err)
	}
	if err := v.Store(ctx, "", "x"); !errors.Is(err, sealbox.ErrEmptyName) {
		t.Errorf("Store(empty): got %v, want %v", err, sealbox.ErrEmptyName)
	}
	if err := v.Store(ctx, "bad", func() {}); err == nil {
		t.Error("Store(func): got nil, want error")
	}

	// Overwriting replaces the old value.
	mustStore(t, v, "k", "v1")
	mustStore(t, v, "k", "v2")
	if got := mustRetrieve(t, v, "k").Value(); got != "v2" {
		t.Errorf("Retrieve after overwrite: got %v, want v2", got)
	}

	mustStore(t, v, "legacy", sealbox.RawString("plain text"))
	if p := mustRetrieve(t, v, "legacy"); p.Kind != sealbox.Raw || p.String() != "plain text" {
		t.Errorf("Retrieve(legacy): got %v %q, want raw %q", p.Kind, p.String(), "plain text")
	}

	names, err := v.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: unexpected error: %v", err)
	}
	if diff := gocmp.Diff([]string{"k", "legacy"}, names); diff != "" {
		t.Errorf("Keys (-want, +got):\n%s", diff)
	}
}

func TestUncompressed(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemory()
	v := sealbox.NewVault(newEngine(t, db, testPassphrase), &sealbox.VaultOptions{NoCompress: true})
	mustStore(t, v, "k", []string{"x", "y"})

	data, err := db.Get(ctx, sealbox.RecordPrefix+"k")
	if err != nil {
		t.Fatalf("Get: unexpected error: %v", err)
	}
	var rec sealbox.Sealed
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("Decode record: %v", err)
	}
	if rec.Compressed {
		t.Error("Record is compressed, want uncompressed")
	}
	if diff := gocmp.Diff([]any{"x", "y"}, mustRetrieve(t, v, "k").Value()); diff != "" {
		t.Errorf("Retrieve (-want, +got):\n%s", diff)
	}
}

// recorder is a backend that remembers every value written to it.
type recorder struct {
	storage.Backend
	puts map[string][][]byte
}

func (r *recorder) Put(ctx context.Context, key string, value []byte) error {
	r.puts[key] = append(r.puts[key], append([]byte(nil), value...))
	return r.Backend.Put(ctx, key, value)
}

func (r *recorder) Apply(ctx context.Context, ops []storage.Op) error {
	for _, op := range ops {
		if !op.Delete {
			r.puts[op.Key] = append(r.puts[op.Key], append([]byte(nil), op.Value...))
		}
	}
	return r.Backend.Apply(ctx, ops)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	db := &recorder{Backend: storage.NewMemory(), puts: make(map[string][][]byte)}
	v := newVault(t, db, testPassphrase)

	mustStore(t, v, "doomed", map[string]string{"secret": "speak friend and enter"})
	if err := v.Delete(ctx, "doomed"); err != nil {
		t.Fatalf("Delete: unexpected error: %v", err)
	}
	if p, ok, err := v.Retrieve(ctx, "doomed"); err != nil || ok {
		t.Errorf("Retrieve after delete: got (%v, %v, %v), want absent", p, ok, err)
	}

	// The slot was overwritten with junk of the same length before removal.
	writes := db.puts[sealbox.RecordPrefix+"doomed"]
	if len(writes) != 2 {
		t.Fatalf("Got %d writes to the record, want 2", len(writes))
	}
	if len(writes[0]) != len(writes[1]) {
		t.Errorf("Overwrite length: got %d, want %d", len(writes[1]), len(writes[0]))
	}
	if string(writes[0]) == string(writes[1]) {
		t.Error("Overwrite did not change the stored bytes")
	}

	// Deleting a missing record is fine, and does not write.
	if err := v.Delete(ctx, "nonesuch"); err != nil {
		t.Errorf("Delete(nonesuch): unexpected error: %v", err)
	}
	if n := len(db.puts[sealbox.RecordPrefix+"nonesuch"]); n != 0 {
		t.Errorf("Delete(nonesuch) wrote %d values", n)
	}

	// Deleting does not need a key.
	mustStore(t, v, "later", "x")
	v.Engine().Lock()
	if err := v.Delete(ctx, "later"); err != nil {
		t.Errorf("Delete while locked: unexpected error: %v", err)
	}
}

func TestDeleteFailure(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	v := newVault(t, mem, testPassphrase)
	mustStore(t, v, "keep", "still here")

	// If the backend refuses the batch, neither the overwrite nor the removal
	// takes effect, and the record remains readable.
	broken := newVault(t, failApply{mem}, testPassphrase)
	if err := broken.Delete(ctx, "keep"); err == nil {
		t.Fatal("Delete: got nil, want error")
	} else {
		t.Logf("Delete: got expected error: %v", err)
	}
	if got := mustRetrieve(t, v, "keep").Value(); got != "still here" {
		t.Errorf("Retrieve after failed delete: got %v, want %q", got, "still here")
	}
}

func TestInvalidName(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenFile(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("OpenFile: unexpected error: %v", err)
	}
	v := newVault(t, db, testPassphrase)

	const bad = "bad\xffname"
	if err := v.Store(ctx, bad, "x"); !errors.Is(err, sealbox.ErrInvalidName) {
		t.Errorf("Store(%q): got %v, want %v", bad, err, sealbox.ErrInvalidName)
	}
	if p, ok, err := v.Retrieve(ctx, bad); !errors.Is(err, sealbox.ErrInvalidName) || ok {
		t.Errorf("Retrieve(%q): got (%v, %v, %v), want %v", bad, p, ok, err, sealbox.ErrInvalidName)
	}
	if err := v.Delete(ctx, bad); !errors.Is(err, sealbox.ErrInvalidName) {
		t.Errorf("Delete(%q): got %v, want %v", bad, err, sealbox.ErrInvalidName)
	}

	// Nothing was written under a mangled name, and valid non-ASCII names
	// survive a reopen unchanged.
	mustStore(t, v, "naïve ☃", "snow")
	db2, err := storage.OpenFile(db.Path())
	if err != nil {
		t.Fatalf("OpenFile: unexpected error: %v", err)
	}
	v2 := newVault(t, db2, testPassphrase)
	names, err := v2.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: unexpected error: %v", err)
	}
	if diff := gocmp.Diff([]string{"naïve ☃"}, names); diff != "" {
		t.Errorf("Keys after reopen (-want, +got):\n%s", diff)
	}
	if got := mustRetrieve(t, v2, "naïve ☃").Value(); got != "snow" {
		t.Errorf("Retrieve after reopen: got %v, want snow", got)
	}
}

func TestTampering(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemory()
	v := newVault(t, db, testPassphrase)
	mustStore(t, v, "a", "alpha")
	mustStore(t, v, "b", "bravo")

	// A record moved to another name does not decrypt.
	data, err := db.Get(ctx, sealbox.RecordPrefix+"a")
	if err != nil {
		t.Fatalf("Get: unexpected error: %v", err)
	}
	if err := db.Put(ctx, sealbox.RecordPrefix+"b", data); err != nil {
		t.Fatalf("Put: unexpected error: %v", err)
	}
	if p, _, err := v.Retrieve(ctx, "b"); !errors.Is(err, sealbox.ErrAuthenticationFailed) {
		t.Errorf("Retrieve swapped record: got (%v, %v), want %v", p, err, sealbox.ErrAuthenticationFailed)
	}

	// A record that is not a record at all.
	if err := db.Put(ctx, sealbox.RecordPrefix+"c", []byte("garbage")); err != nil {
		t.Fatalf("Put: unexpected error: %v", err)
	}
	if p, _, err := v.Retrieve(ctx, "c"); !errors.Is(err, sealbox.ErrMalformedRecord) {
		t.Errorf("Retrieve garbage: got (%v, %v), want %v", p, err, sealbox.ErrMalformedRecord)
	}
}

func TestLockedVault(t *testing.T) {
	ctx := context.Background()
	v := newVault(t, storage.NewMemory(), testPassphrase)
	mustStore(t, v, "k", 1)
	v.Engine().Lock()

	if err := v.Store(ctx, "k", 2); !errors.Is(err, sealbox.ErrNotInitialized) {
		t.Errorf("Store: got %v, want %v", err, sealbox.ErrNotInitialized)
	}
	if _, _, err := v.Retrieve(ctx, "k"); !errors.Is(err, sealbox.ErrNotInitialized) {
		t.Errorf("Retrieve: got %v, want %v", err, sealbox.ErrNotInitialized)
	}
	if _, err := v.CreateBackup(ctx); !errors.Is(err, sealbox.ErrNotInitialized) {
		t.Errorf("CreateBackup: got %v, want %v", err, sealbox.ErrNotInitialized)
	}
}
