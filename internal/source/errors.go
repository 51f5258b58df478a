package source

import (
	"errors"
	"fmt"
)

// OrderingError reports a violated call-ordering precondition: a content
// read issued without its auxiliary staged, a new-path read for a
// continuation (or vice versa), or a read that does not match the last
// decision. These indicate a driver bug, not a data problem.
type OrderingError struct {
	Op     string // the operation that was called
	Reason string // which precondition failed
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("ordering violation in %s: %s", e.Op, e.Reason)
}

// IsOrderingError reports whether err is (or wraps) an OrderingError.
func IsOrderingError(err error) bool {
	var oe *OrderingError
	return errors.As(err, &oe)
}

// ContractError reports an API contract violation, such as decreasing the
// remaining event budget below zero or invoking an unsupported capability
// that has no recoverable fallback.
type ContractError struct {
	Op      string
	Message string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("contract violation in %s: %s", e.Op, e.Message)
}

// IsContractError reports whether err is (or wraps) a ContractError.
func IsContractError(err error) bool {
	var ce *ContractError
	return errors.As(err, &ce)
}

// AdapterError wraps a failure from the backing-store adapter. Adapter
// failures are fatal for the current input: they surface to the driver and
// are not retried internally.
type AdapterError struct {
	Op  string
	Err error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter failure in %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// IsAdapterError reports whether err is (or wraps) an AdapterError.
func IsAdapterError(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae)
}
