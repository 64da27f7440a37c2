package sealbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/sealbox/storage"
	"github.com/google/uuid"
)

// backupLabel is the associated data for backup envelopes, so that a backup
// cannot be mistaken for a record or vice versa.
const backupLabel = "sealbox/backup"

// BackupInfo describes the content of a backup.
type BackupInfo struct {
	ID      string    // unique identifier assigned when the backup was made
	Created time.Time // when the backup was made
	Count   int       // number of records
}

// backupDoc is the plaintext of a backup envelope.
type backupDoc struct {
	ID      string                  `json:"id"`
	Created time.Time               `json:"created"`
	Records map[string]backupRecord `json:"records"`
}

// A backupRecord holds exactly one of a structured value or a raw string.
type backupRecord struct {
	Value json.RawMessage `json:"value,omitempty"`
	Raw   *string         `json:"raw,omitempty"`
}

func (b backupRecord) value() (any, error) {
	switch {
	case b.Raw != nil && b.Value != nil:
		return nil, errors.New("record has both value and raw")
	case b.Raw != nil:
		return RawString(*b.Raw), nil
	case b.Value != nil:
		return b.Value, nil
	default:
		return nil, errors.New("record has no value")
	}
}

// CreateBackup decrypts every record in v and returns a single envelope
// holding all of them, encrypted with the current key. If any record cannot
// be decrypted, CreateBackup fails and no backup is produced. Errors are
// reported as *OpError.
func (v *Vault) CreateBackup(ctx context.Context) (Envelope, error) {
	v.μ.RLock()
	defer v.μ.RUnlock()
	env, err := v.createBackupLocked(ctx)
	return env, opError("backup", "", err)
}

func (v *Vault) createBackupLocked(ctx context.Context) (Envelope, error) {
	if !v.e.Ready() {
		return "", ErrNotInitialized
	}
	names, err := v.keysLocked(ctx)
	if err != nil {
		return "", err
	}
	doc := backupDoc{
		ID:      uuid.NewString(),
		Created: time.Now().UTC().Truncate(time.Second),
		Records: make(map[string]backupRecord, len(names)),
	}
	for _, name := range names {
		p, ok, err := v.retrieveLocked(ctx, name)
		if err != nil {
			return "", fmt.Errorf("record %q: %w", name, err)
		} else if !ok {
			continue // removed underneath us
		}
		if p.Kind == Structured {
			doc.Records[name] = backupRecord{Value: p.JSON()}
		} else {
			s := p.String()
			doc.Records[name] = backupRecord{Raw: &s}
		}
	}
	sealed, err := v.e.seal(doc, true, []byte(backupLabel))
	if err != nil {
		return "", err
	}
	v.e.log.Info("created backup", "id", doc.ID, "records", len(doc.Records))
	return sealed.Envelope, nil
}

// openBackup decrypts and decodes a backup envelope.
func (v *Vault) openBackup(env Envelope) (*backupDoc, error) {
	p, err := v.e.open(env, true, []byte(backupLabel))
	if err != nil {
		return nil, err
	}
	var doc backupDoc
	if err := p.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("invalid backup: %w", err)
	}
	return &doc, nil
}

// InspectBackup decrypts env and reports a summary of its content, without
// modifying the vault.
func (v *Vault) InspectBackup(env Envelope) (BackupInfo, error) {
	doc, err := v.openBackup(env)
	if err != nil {
		return BackupInfo{}, opError("inspect", "", err)
	}
	return BackupInfo{ID: doc.ID, Created: doc.Created, Count: len(doc.Records)}, nil
}

// RestoreBackup replaces the content of v with the records in env, which
// must have been produced by CreateBackup under the same key. Each record is
// re-encrypted with a fresh nonce. Records not present in the backup are
// overwritten and removed.
//
// Restore is all-or-nothing: if env cannot be decrypted, or any record in it
// cannot be re-encrypted, the vault is not modified. Errors are reported as
// *OpError.
func (v *Vault) RestoreBackup(ctx context.Context, env Envelope) error {
	v.μ.Lock()
	defer v.μ.Unlock()
	return opError("restore", "", v.restoreLocked(ctx, env))
}

func (v *Vault) restoreLocked(ctx context.Context, env Envelope) error {
	doc, err := v.openBackup(env)
	if err != nil {
		return err
	}
	old, err := v.keysLocked(ctx)
	if err != nil {
		return err
	}

	var ops []storage.Op
	for _, name := range old {
		if _, ok := doc.Records[name]; ok {
			continue
		}
		key := recordKey(name)
		cur, err := v.db.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		} else if err != nil {
			return err
		}
		junk, err := junkLike(cur)
		if err != nil {
			return err
		}
		ops = append(ops, storage.PutOp(key, junk), storage.DeleteOp(key))
	}
	for name, rec := range doc.Records {
		if err := checkName(name); err != nil {
			return fmt.Errorf("invalid backup: record %q: %w", name, err)
		}
		val, err := rec.value()
		if err != nil {
			return fmt.Errorf("invalid backup: record %q: %w", name, err)
		}
		data, err := v.sealRecord(name, val)
		if err != nil {
			return fmt.Errorf("record %q: %w", name, err)
		}
		ops = append(ops, storage.PutOp(recordKey(name), data))
	}
	if err := v.db.Apply(ctx, ops); err != nil {
		return err
	}
	v.e.log.Info("restored backup", "id", doc.ID, "records", len(doc.Records),
		"removed", len(old)-countShared(old, doc.Records))
	return nil
}

func countShared(names []string, m map[string]backupRecord) (n int) {
	for _, name := range names {
		if _, ok := m[name]; ok {
			n++
		}
	}
	return
}
