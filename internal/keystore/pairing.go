package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const pairingRecordName = "pairing_record"

// ErrNotPaired is returned when no pairing record exists.
var ErrNotPaired = errors.New("keystore: device is not paired")

// PairingRecord binds this host to its remote counterpart. It is
// created once per successful pairing and destroyed on explicit unpair.
type PairingRecord struct {
	LocalUserID      string    `json:"local_user_id"`
	RemoteMachineID  string    `json:"remote_machine_id"`
	RemoteDeviceName string    `json:"remote_device_name"`
	RemoteEndpoint   string    `json:"remote_endpoint"`
	PairedAt         time.Time `json:"paired_at"`
}

// SavePairing persists the pairing record.
func SavePairing(store Store, rec *PairingRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode pairing record: %w", err)
	}
	return store.Set(pairingRecordName, string(data))
}

// LoadPairing returns the persisted pairing record, or ErrNotPaired.
func LoadPairing(store Store) (*PairingRecord, error) {
	data, err := store.Get(pairingRecordName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotPaired
		}
		return nil, err
	}

	var rec PairingRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode pairing record: %w", err)
	}
	return &rec, nil
}

// DeletePairing removes the pairing record. Removing a non-existent
// record is not an error.
func DeletePairing(store Store) error {
	return store.Delete(pairingRecordName)
}
