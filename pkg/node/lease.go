package node

import (
	"encoding/json"
	"fmt"
	"time"
)

// Lease is the stored form of a metered node's billing window. It lives
// beside the colon record, which has no place for timestamps.
type Lease struct {
	CreationTime    time.Time `json:"creation_time"`
	DestructionTime time.Time `json:"destruction_time"`
}

// Lease returns the record's lease, if it is metered.
func (r *Record) Lease() (Lease, bool) {
	if !r.Metered() {
		return Lease{}, false
	}
	return Lease{CreationTime: *r.CreationTime, DestructionTime: *r.DestructionTime}, true
}

// EncodeLease serialises l.
func EncodeLease(l Lease) ([]byte, error) {
	return json.Marshal(l)
}

// DecodeLease parses and validates a stored lease.
func DecodeLease(data []byte) (Lease, error) {
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return Lease{}, fmt.Errorf("%w: %w", ErrInvalidLease, err)
	}
	if l.DestructionTime.Before(l.CreationTime) {
		return Lease{}, fmt.Errorf("%w: destruction before creation", ErrInvalidLease)
	}
	return l, nil
}

// ApplyLease sets r's window from l.
func (r *Record) ApplyLease(l Lease) error {
	return r.SetLease(l.CreationTime, l.DestructionTime)
}
