package kernel

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// UUID is a thin wrapper over github.com/google/uuid.UUID to keep the kernel decoupled
// from the external package at every call site.
type UUID uuid.UUID

// NilUUID is the zero-value UUID.
var NilUUID UUID

// ParseUUID converts a string to a UUID. It returns an error if the input is not a valid UUID.
func ParseUUID(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	return UUID(u), err
}

// NewUUID returns a new randomly generated UUID. It retries briefly on error and panics
// only if all ten attempts fail.
func NewUUID() UUID {
	var err error
	for i := 0; i < 10; i++ {
		var id uuid.UUID
		if id, err = uuid.NewRandom(); err == nil {
			return UUID(id)
		}
		time.Sleep(time.Millisecond)
	}
	panic(err)
}

// IsNil reports whether the UUID equals the zero-value UUID.
func (id UUID) IsNil() bool {
	return bytes.Equal(id[:], NilUUID[:])
}

// String returns the canonical string representation of the UUID.
func (id UUID) String() string {
	return uuid.UUID(id).String()
}

// Split returns the high and low 64-bit halves of the UUID. NewXid takes plain uint64
// halves and does not call Split.
func (id UUID) Split() (uint64, uint64) {
	b := id[:]
	var high, low uint64
	for i := 0; i < 8; i++ {
		high = high<<8 | uint64(b[i])
	}
	for i := 8; i < 16; i++ {
		low = low<<8 | uint64(b[i])
	}
	return high, low
}

// Compare returns -1, 0 or 1 as x is less than, equal to, or greater than y.
func (x UUID) Compare(y UUID) int {
	return bytes.Compare(x[:], y[:])
}
