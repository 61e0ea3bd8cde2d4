// Package kerr defines the small closed set of failure kinds used
// throughout the kernel as sentinel errors, wrapped by each subsystem
// with fmt.Errorf("...: %w", ...) instead of an ad hoc error type per
// package. Nosplit interrupt-context code can't allocate an error
// safely, so these sentinels are for the higher-level packages (VFS,
// ext2, socket/TCP, block, PFIFO control paths) that run outside
// interrupt context and can afford normal Go error handling.
package kerr

import "errors"

var (
	// ErrExhausted: no PMM frame, no heap block, no table slot.
	ErrExhausted = errors.New("resource exhausted")
	// ErrInvalid: bad descriptor, out-of-range id, disallowed nil.
	ErrInvalid = errors.New("invalid argument")
	// ErrNotFound: absent file, absent device, no RSDP, no FADT.
	ErrNotFound = errors.New("not found")
	// ErrIO: driver read/write failure, checksum mismatch, bad magic.
	ErrIO = errors.New("i/o failure")
	// ErrTimeout: retries exhausted, bounded wait reached.
	ErrTimeout = errors.New("timeout")
	// ErrFatal: unrecoverable; the only path that halts the core.
	ErrFatal = errors.New("fatal")
)
