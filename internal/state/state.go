// Package state persists the override record as one JSON document.
//
// The file is read once per invocation and written back atomically (temp
// file, fsync, rename) only when something changed. Unreadable fields are
// reset to their defaults and reported, never treated as fatal.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"calmirror/internal/clock"
	"calmirror/internal/override"
)

// ErrCorruptDate marks a recovered, unparseable override_date.
var ErrCorruptDate = errors.New("override_date reset")

// Record is the on-disk shape.
type Record struct {
	OverrideFlag  bool            `json:"override_flag"`
	OverrideDate  *string         `json:"override_date"`
	CommandCursor json.RawMessage `json:"command_cursor"`
}

// Loaded is the result of Store.Load.
type Loaded struct {
	State override.State
	// Recovered lists fields that were reset because they could not be read.
	Recovered []error
}

// Dirty reports whether recovery changed the state, so it must be saved.
func (l Loaded) Dirty() bool {
	return len(l.Recovered) > 0
}

// Store reads and writes the record at a fixed path.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns defaults when the file does not exist. Only I/O errors other
// than a missing file are returned as err.
func (s *Store) Load() (Loaded, error) {
	var out Loaded
	if s.path == "" {
		return out, errors.New("state path is empty")
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		return out, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}

	// Fields are decoded one at a time so a bad value only resets itself.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		out.Recovered = append(out.Recovered, fmt.Errorf("state file unreadable, starting fresh: %w", err))
		return out, nil
	}

	if raw, ok := fields["override_flag"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &out.State.Flag); err != nil {
			out.State.Flag = false
			out.Recovered = append(out.Recovered, fmt.Errorf("override_flag reset: %w", err))
		}
	}

	if raw, ok := fields["override_date"]; ok && !isNull(raw) {
		d, err := decodeDate(raw)
		switch {
		case err != nil:
			out.Recovered = append(out.Recovered, fmt.Errorf("%w: %v", ErrCorruptDate, err))
		case d != nil:
			out.State.Date = d
		}
	}

	cursor, err := decodeCursor(fields["command_cursor"])
	if err != nil {
		out.Recovered = append(out.Recovered, fmt.Errorf("command_cursor reset: %w", err))
	} else {
		out.State.Cursor = cursor
	}

	return out, nil
}

// Save writes st atomically with 0600 permissions.
func (s *Store) Save(st override.State) error {
	if s.path == "" {
		return errors.New("state path is empty")
	}

	rec := Record{OverrideFlag: st.Flag, CommandCursor: json.RawMessage("null")}
	if st.Date != nil {
		v := st.Date.String()
		rec.OverrideDate = &v
	}
	if st.Cursor != "" {
		raw, err := json.Marshal(st.Cursor)
		if err != nil {
			return err
		}
		rec.CommandCursor = raw
	}

	data, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calmirror-state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// decodeDate accepts a "YYYY-MM-DD" string; an empty string means unset.
func decodeDate(raw json.RawMessage) (*clock.Date, error) {
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("override_date is not a string: %s", bytes.TrimSpace(raw))
	}
	if v == "" {
		return nil, nil
	}
	d, err := clock.ParseDate(v)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// decodeCursor accepts a JSON string, a JSON number or null.
func decodeCursor(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	raw = bytes.TrimSpace(raw)
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("unsupported cursor value %s", raw)
		}
		if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
			return "", fmt.Errorf("cursor is not an integer: %s", n)
		}
		return n.String(), nil
	}
}
