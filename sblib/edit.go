package sblib

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/creachadair/mds/mdiff"
	"github.com/creachadair/mds/mstr"
	"golang.org/x/term"
	yaml "gopkg.in/yaml.v3"
)

var (
	// ErrNoChange is reported by Edit if the resulting value did not change.
	ErrNoChange = errors.New("input was not changed")

	// ErrUserReject is reported by Edit if the user rejected the changed file.
	ErrUserReject = errors.New("the user rejected the edits")
)

// Edit invokes an editor with value rendered as YAML in a file named for
// name. The editor is selected by the EDITOR environment variable. When the
// editor exits, the user is shown a diff and prompted to confirm the
// changes. If they do, the edited YAML is decoded and returned.
//
// If the edit did not change the input, Edit returns (value, ErrNoChange).
// If the user rejected the changes, Edit returns (value, ErrUserReject).
// The temporary file holding the value is removed before Edit returns.
func Edit(ctx context.Context, name string, value any) (any, error) {
	input, err := encodeYAML(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}

	// Use a temp directory rather than a temp file, so the name shown by the
	// editor does not have random garbage in it.
	dir, err := os.MkdirTemp("", "sbedit*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	base := editFileName(name)
	epath := filepath.Join(dir, base)
	if err := os.WriteFile(epath, input, 0600); err != nil {
		return nil, err
	}

	editor := cmp.Or(os.Getenv("EDITOR"), "vi")
	cmd := exec.CommandContext(ctx, editor, base)
	cmd.Dir = dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("editor failed: %w", err)
	}

	edited, err := os.ReadFile(epath)
	if err != nil {
		return nil, fmt.Errorf("read editor output: %w", err)
	}
	diff := mdiff.New(mstr.Lines(string(input)), mstr.Lines(string(edited)))
	if len(diff.Chunks) == 0 {
		return value, ErrNoChange
	}

	// Reaching here, the files differ. Ask the user whether to keep them.
	if ok, err := confirmDiff(diff); err != nil {
		return nil, err
	} else if !ok {
		return value, ErrUserReject
	}
	return DecodeYAML(edited)
}

// confirmDiff shows diff at the terminal and asks the user to accept it.
func confirmDiff(diff *mdiff.Diff) (bool, error) {
	fd := int(os.Stdin.Fd())
	oldst, err := term.MakeRaw(fd)
	if err != nil {
		return false, err
	}
	defer term.Restore(fd, oldst)
	vt := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stderr}, "")

	diff.AddContext(3).Unify().Format(vt, mdiff.Unified, nil)
	for {
		fmt.Fprint(vt, "▷ Keep changes? (y/n) ")
		ln, err := vt.ReadLine()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(ln)) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		default:
			fmt.Fprintln(vt, "** Please enter y(es) or n(o)")
		}
	}
}

// editFileName returns a file name for editing the record called name,
// replacing characters that are awkward in file names.
func editFileName(name string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, name)
	return cmp.Or(strings.Trim(clean, "."), "value") + ".yaml"
}

func encodeYAML(value any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(3)
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeYAML decodes data as YAML into a value that can be encoded as JSON.
// Mappings must have string keys.
func DecodeYAML(data []byte) (any, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse edited value: %w", err)
	}
	return jsonCompatible(v)
}

func jsonCompatible(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, elt := range t {
			c, err := jsonCompatible(elt)
			if err != nil {
				return nil, err
			}
			t[k] = c
		}
		return t, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, elt := range t {
			s, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("mapping key %v is not a string", k)
			}
			c, err := jsonCompatible(elt)
			if err != nil {
				return nil, err
			}
			out[s] = c
		}
		return out, nil
	case []any:
		for i, elt := range t {
			c, err := jsonCompatible(elt)
			if err != nil {
				return nil, err
			}
			t[i] = c
		}
		return t, nil
	default:
		return v, nil
	}
}
