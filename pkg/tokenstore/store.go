// Package tokenstore persists per-session credentials and configuration
// keyed by session name.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harun/lifeline/pkg/session"
)

// ErrNotFound is returned by Get when no record exists for the name.
var ErrNotFound = errors.New("token not found")

// FileSuffix is appended to the session name for file based records and
// inside exported bundles.
const FileSuffix = ".data.json"

// Record is what is stored for one session.
type Record struct {
	// Credentials is the opaque authentication blob owned by the remote client.
	Credentials json.RawMessage `json:"credentials,omitempty"`
	Config      session.Config  `json:"config"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Store is a token persistence backend.
type Store interface {
	// Get returns ErrNotFound when name has no record.
	Get(ctx context.Context, name string) (*Record, error)
	Set(ctx context.Context, name string, rec *Record) error
	// Delete removes the record. A missing record is not an error.
	Delete(ctx context.Context, name string) error
	// List returns every stored name sorted.
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Encode serializes a record the way every backend stores it.
func Encode(rec *Record) ([]byte, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode token: %w", err)
	}
	return data, nil
}

// Decode parses a stored record.
func Decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	return &rec, nil
}

// LoadAndMerge reads the record for name, merges requested into its config
// and writes it back before returning the effective config. A missing record
// starts empty. The write happens on every start so a phone number or
// webhook supplied now is honored by later restarts.
func LoadAndMerge(ctx context.Context, store Store, name string, requested session.Config) (session.Config, error) {
	rec, err := store.Get(ctx, name)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return requested, fmt.Errorf("failed to load token: %w", err)
		}
		rec = &Record{}
	}

	rec.Config = session.MergeConfig(rec.Config, requested)
	rec.UpdatedAt = time.Now().UTC()

	if err := store.Set(ctx, name, rec); err != nil {
		return rec.Config, fmt.Errorf("failed to persist token: %w", err)
	}
	return rec.Config, nil
}

// NameFromFile strips FileSuffix, returning false for other files.
func NameFromFile(filename string) (string, bool) {
	if !strings.HasSuffix(filename, FileSuffix) {
		return "", false
	}
	name := strings.TrimSuffix(filename, FileSuffix)
	if session.ValidateName(name) != nil {
		return "", false
	}
	return name, true
}

func sortedNames(names []string) []string {
	sort.Strings(names)
	return names
}
