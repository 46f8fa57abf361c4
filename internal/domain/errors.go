package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable signals an I/O failure in the partitioned store.
	// The affected batch is not committed and must be retried as a unit.
	ErrStorageUnavailable = errors.New("store: storage unavailable")

	// ErrCacheUnavailable signals a cache backend failure. Callers treat it
	// as a miss; it never affects query correctness.
	ErrCacheUnavailable = errors.New("cache: unavailable")

	// ErrQueryUnavailable is returned only when both the store and the cache
	// failed to serve an aggregate request.
	ErrQueryUnavailable = errors.New("query: store and cache unavailable")

	// ErrSubscriberOverflow is reported on a subscription whose bounded queue
	// filled up. The subscriber is dropped; the hub keeps running.
	ErrSubscriberOverflow = errors.New("fanout: subscriber overflow")
)

// MalformedRecordError describes a raw record rejected by the normalizer.
// Such records are quarantined, never retried.
type MalformedRecordError struct {
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed record: %s", e.Reason)
	}
	return fmt.Sprintf("malformed record: field %s: %s", e.Field, e.Reason)
}

// Malformed builds a MalformedRecordError for a specific field.
func Malformed(field, reason string) *MalformedRecordError {
	return &MalformedRecordError{Field: field, Reason: reason}
}

// IsMalformed reports whether err is a per-record normalization failure.
func IsMalformed(err error) bool {
	var me *MalformedRecordError
	return errors.As(err, &me)
}
