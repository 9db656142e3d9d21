package lock

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// Entry is the value stored under a lock's key in the shared cache.
//
// For a SharedLock only Count is used. For an RWLock, Count is the number of
// ordinary reader holds, Owner is the exclusive writer and OwnerReads is the
// number of reads the writer took while holding the write lock. When Owner is
// set, Count is zero.
type Entry struct {
	Count      uint64    `json:"count"`
	Owner      Owner     `json:"owner,omitempty"`
	OwnerReads uint64    `json:"ownerReads,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// IsEmpty returns true when the entry records no holds at all.
func (e *Entry) IsEmpty() bool {
	return e.Count == 0 && e.Owner == "" && e.OwnerReads == 0
}

func encodeEntry(e *Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encode lock entry")
	}
	return data, nil
}

func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode lock entry"), ErrCorruptEntry)
	}
	return &e, nil
}
