package storage

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// envelope is the serialized form of a vault record. The version travels
// outside the record so that it is owned by the store.
type envelope struct {
	Version int64                   `json:"version"`
	Record  *interfaces.VaultRecord `json:"record"`
}

func encodeRecord(rec *interfaces.VaultRecord, version int64) ([]byte, error) {
	data, err := json.Marshal(envelope{Version: version, Record: rec})
	if err != nil {
		return nil, fmt.Errorf("failed to encode vault record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*interfaces.VaultRecord, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode vault record: %w", err)
	}
	if env.Record == nil {
		return nil, fmt.Errorf("failed to decode vault record: empty envelope")
	}
	env.Record.Version = env.Version
	return env.Record, nil
}

var vaultIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// validateVaultID keeps identifiers safe to use as file names and object keys.
func validateVaultID(id string) error {
	if !vaultIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid vault id %q", interfaces.ErrInvalidArgument, id)
	}
	return nil
}
