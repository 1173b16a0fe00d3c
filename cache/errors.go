package cache

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/skipor/lanecache/lane"
)

var (
	// ErrMiss returned when key is not in cache. It is expected, and never logged as error.
	ErrMiss = errors.New("cache miss")
	// ErrCapacityExceeded returned by put when there is no way to free slot for new key.
	// Zero capacity cache returns it on every put.
	ErrCapacityExceeded = errors.New("cache capacity exceeded")
	// ErrLaneTimeout returned by put when cross lane eviction was not done in time.
	ErrLaneTimeout = errors.New("cross lane eviction timeout")
	ErrClosed      = lane.ErrClosed
)

// BackingStoreError returned by put when write through to backing store failed.
// Put is rolled back in such case.
type BackingStoreError struct {
	Key interface{}
	Err error
}

func (e *BackingStoreError) Error() string {
	return fmt.Sprintf("backing store write of key %v: %v", e.Key, e.Err)
}

func (e *BackingStoreError) Unwrap() error { return e.Err }
func (e *BackingStoreError) Cause() error  { return e.Err }

func IsMiss(err error) bool { return errors.Is(err, ErrMiss) }
