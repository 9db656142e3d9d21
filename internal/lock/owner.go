package lock

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Owner identifies the logical holder of an RWLock. Owners are compared by
// value, so the same token used from another goroutine or process is the same
// owner. An Owner should stand for one logical execution context.
type Owner string

// NewOwner returns a fresh owner token of the form host:pid:uuid.
func NewOwner() Owner {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return Owner(fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()))
}

// String implements fmt.Stringer.
func (o Owner) String() string {
	return string(o)
}
