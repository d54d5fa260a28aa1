// Package persist implements the file-as-source-of-truth durability story:
// every mutation reloads from disk first, an in-process mutex is held
// together with a named inter-process advisory lock (the ".lock" sibling
// file), and writes are atomic via temp-file-then-rename. Persisted
// documents carry a JSON envelope (header + version + data) so a schema
// change fails loudly instead of silently misreading old state.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const tempSuffix = "_temp"

// ErrBadFilenameSuffix is returned by LoadJSON when asked to load a path
// that is itself a temp file left over from an interrupted save.
var ErrBadFilenameSuffix = errors.New("persist: cannot load a temp file directly")

// ErrLockTimeout reports that the file lock could not be acquired in time:
// the caller logs it and drops the operation, it is never fatal to the
// process.
var ErrLockTimeout = errors.New("persist: timed out acquiring file lock")

// Metadata identifies the schema of a persisted JSON document, so that a
// future format change fails loudly instead of silently misreading data.
type Metadata struct {
	Header  string `json:"header"`
	Version string `json:"version"`
}

type envelope struct {
	Metadata
	Data json.RawMessage `json:"data"`
}

// SaveJSON atomically writes object to path, tagged with meta. The object
// is first marshaled and written to path+"_temp", then renamed over path,
// so a crash mid-write never corrupts the previous good copy.
func SaveJSON(meta Metadata, object interface{}, path string) error {
	data, err := json.Marshal(object)
	if err != nil {
		return fmt.Errorf("persist: marshal: %w", err)
	}
	env := envelope{Metadata: meta, Data: data}
	blob, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal envelope: %w", err)
	}
	tmp := path + tempSuffix
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("persist: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("persist: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persist: rename: %w", err)
	}
	return nil
}

// LoadJSON reads and unmarshals path into object, verifying it carries the
// expected Metadata. A missing file is reported via os.IsNotExist on the
// returned error so callers can treat "no state yet" as a normal startup
// case.
func LoadJSON(meta Metadata, object interface{}, path string) error {
	if strings.HasSuffix(path, tempSuffix) {
		return ErrBadFilenameSuffix
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("persist: unmarshal envelope: %w", err)
	}
	if env.Header != meta.Header {
		return fmt.Errorf("persist: header mismatch: want %q got %q", meta.Header, env.Header)
	}
	if env.Version != meta.Version {
		return fmt.Errorf("persist: version mismatch: want %q got %q", meta.Version, env.Version)
	}
	if err := json.Unmarshal(env.Data, object); err != nil {
		return fmt.Errorf("persist: unmarshal data: %w", err)
	}
	return nil
}

// Lock is the inter-process advisory lock over a single persisted file,
// held on a named sibling ".lock" file. It holds no in-process mutex:
// callers take their own mutex first and then Acquire this lock. The zero
// value is not usable; construct with NewLock.
type Lock struct {
	path  string
	flock *flock.Flock
}

// NewLock returns a Lock guarding path via a sibling path+".lock" file.
func NewLock(path string) *Lock {
	return &Lock{path: path, flock: flock.New(path + ".lock")}
}

// Acquire blocks until the inter-process lock is held or timeout elapses,
// returning ErrLockTimeout on expiry.
func (l *Lock) Acquire(timeout time.Duration) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("persist: mkdir for lock: %w", err)
	}
	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.flock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("persist: flock: %w", err)
		}
		if ok {
			return func() { l.flock.Unlock() }, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		time.Sleep(25 * time.Millisecond)
	}
}
