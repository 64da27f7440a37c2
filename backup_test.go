package sealbox_test

import (
	"context"
	"errors"
	"testing"

	"github.com/creachadair/sealbox"
	"github.com/creachadair/sealbox/storage"
	gocmp "github.com/google/go-cmp/cmp"
)

func vaultContents(t *testing.T, v *sealbox.Vault) map[string]any {
	t.Helper()
	names, err := v.Keys(context.Background())
	if err != nil {
		t.Fatalf("Keys: unexpected error: %v", err)
	}
	m := make(map[string]any)
	for _, name := range names {
		p := mustRetrieve(t, v, name)
		m[name] = p.Kind.String() + ":" + p.String()
	}
	return m
}

func TestBackupRestore(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemory()
	v := newVault(t, db, testPassphrase)

	mustStore(t, v, "profile", profile{Name: "Alice", Age: 30})
	mustStore(t, v, "pin", 1234)
	mustStore(t, v, "legacy", sealbox.RawString("not json"))
	mustStore(t, v, "empty", sealbox.RawString(""))
	want := vaultContents(t, v)

	bak, err := v.CreateBackup(ctx)
	if err != nil {
		t.Fatalf("CreateBackup: unexpected error: %v", err)
	}

	info, err := v.InspectBackup(bak)
	if err != nil {
		t.Fatalf("InspectBackup: unexpected error: %v", err)
	}
	if info.Count != len(want) || info.ID == "" || info.Created.IsZero() {
		t.Errorf("InspectBackup: got %+v, want %d records with ID and time", info, len(want))
	}

	// Change the vault after the backup: modify, delete, and add records.
	mustStore(t, v, "pin", 9999)
	if err := v.Delete(ctx, "legacy"); err != nil {
		t.Fatalf("Delete: unexpected error: %v", err)
	}
	mustStore(t, v, "extra", "not in the backup")

	if err := v.RestoreBackup(ctx, bak); err != nil {
		t.Fatalf("RestoreBackup: unexpected error: %v", err)
	}
	if diff := gocmp.Diff(want, vaultContents(t, v)); diff != "" {
		t.Errorf("Restored contents (-want, +got):\n%s", diff)
	}

	t.Run("OtherVault", func(t *testing.T) {
		// A backup restores into a different store opened with the same
		// passphrase only if the salt matches; copy it over.
		db2 := storage.NewMemory()
		salt, err := db.Get(ctx, sealbox.SaltKey)
		if err != nil {
			t.Fatalf("Get salt: %v", err)
		}
		if err := db2.Put(ctx, sealbox.SaltKey, salt); err != nil {
			t.Fatalf("Put salt: %v", err)
		}
		v2 := newVault(t, db2, testPassphrase)
		if err := v2.RestoreBackup(ctx, bak); err != nil {
			t.Fatalf("RestoreBackup: unexpected error: %v", err)
		}
		if diff := gocmp.Diff(want, vaultContents(t, v2)); diff != "" {
			t.Errorf("Restored contents (-want, +got):\n%s", diff)
		}
	})

	t.Run("NotARecord", func(t *testing.T) {
		// A backup is not accepted as a plain envelope, and vice versa.
		if p, err := v.Engine().Decrypt(bak, true); !errors.Is(err, sealbox.ErrAuthenticationFailed) {
			t.Errorf("Decrypt backup: got (%v, %v), want %v", p, err, sealbox.ErrAuthenticationFailed)
		}
		sealed, err := v.Engine().Encrypt(map[string]any{"records": map[string]any{}}, true)
		if err != nil {
			t.Fatalf("Encrypt: unexpected error: %v", err)
		}
		if err := v.RestoreBackup(ctx, sealed.Envelope); !errors.Is(err, sealbox.ErrAuthenticationFailed) {
			t.Errorf("RestoreBackup(plain envelope): got %v, want %v", err, sealbox.ErrAuthenticationFailed)
		}
	})
}

func TestRestoreWrongKey(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemory()
	v := newVault(t, db, testPassphrase)
	mustStore(t, v, "k", "original")

	bak, err := v.CreateBackup(ctx)
	if err != nil {
		t.Fatalf("CreateBackup: unexpected error: %v", err)
	}

	bad := newVault(t, db, wrongPassphrase)
	if err := bad.RestoreBackup(ctx, bak); !errors.Is(err, sealbox.ErrAuthenticationFailed) {
		t.Errorf("RestoreBackup: got %v, want %v", err, sealbox.ErrAuthenticationFailed)
	} else {
		t.Logf("RestoreBackup: got expected error: %v", err)
	}
	if _, err := bad.InspectBackup(bak); !errors.Is(err, sealbox.ErrAuthenticationFailed) {
		t.Errorf("InspectBackup: got %v, want %v", err, sealbox.ErrAuthenticationFailed)
	}

	// The original record is intact.
	if got := mustRetrieve(t, v, "k").Value(); got != "original" {
		t.Errorf("Retrieve: got %v, want original", got)
	}
}

// failApply is a backend whose batch writes always fail.
type failApply struct{ storage.Backend }

func (failApply) Apply(context.Context, []storage.Op) error { return errors.New("batch refused") }

func TestRestoreAllOrNothing(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	v := newVault(t, mem, testPassphrase)
	mustStore(t, v, "a", "one")
	mustStore(t, v, "b", "two")
	bak, err := v.CreateBackup(ctx)
	if err != nil {
		t.Fatalf("CreateBackup: unexpected error: %v", err)
	}
	mustStore(t, v, "a", "changed")
	mustStore(t, v, "c", "new")
	want := vaultContents(t, v)

	// Same data, but a backend that rejects the batch.
	broken := newVault(t, failApply{mem}, testPassphrase)
	if err := broken.RestoreBackup(ctx, bak); err == nil {
		t.Fatal("RestoreBackup: got nil, want error")
	}
	if diff := gocmp.Diff(want, vaultContents(t, v)); diff != "" {
		t.Errorf("Contents after failed restore (-want, +got):\n%s", diff)
	}

	// A corrupted backup writes nothing.
	if err := v.RestoreBackup(ctx, bak[:len(bak)-8]+"AAAAAAAA"); err == nil {
		t.Fatal("RestoreBackup(corrupt): got nil, want error")
	}
	if diff := gocmp.Diff(want, vaultContents(t, v)); diff != "" {
		t.Errorf("Contents after corrupt restore (-want, +got):\n%s", diff)
	}
}
