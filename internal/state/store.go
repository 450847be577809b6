package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// ErrCorrupt is returned by Load when the data file exists but cannot be
// decoded as a Durable record. It is distinguished from os.ErrNotExist so
// callers can tell "start fresh" apart from "this needs attention".
var ErrCorrupt = errors.New("state: data file is corrupt")

// Load reads and decodes the durable state at path. A missing file is
// reported via os.ErrNotExist (check with errors.Is); a present but
// undecodable file is reported via ErrCorrupt.
func Load(path string) (Durable, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Durable{}, err
	}

	var durable Durable
	if err := cbor.Unmarshal(contents, &durable); err != nil {
		return Durable{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return durable, nil
}

// Persist serializes durable and writes it to path, creating the parent
// directory if necessary and forcing a synchronous flush to stable
// storage before returning. A successful return means the bytes survive a
// power loss.
func Persist(durable Durable, path string) error {
	payload, err := cbor.Marshal(durable)
	if err != nil {
		return fmt.Errorf("state: serialize: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("state: create data directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("state: open %s: %w", path, err)
	}
	defer file.Close()

	if _, err := file.Write(payload); err != nil {
		return fmt.Errorf("state: write %s: %w", path, err)
	}
	return file.Sync()
}
