package moe

import "errors"

// ErrConfig marks fatal configuration errors: bad shard arithmetic, unknown
// activation or mode combinations, backend/scheme mismatches. These surface
// immediately and are never retried.
var ErrConfig = errors.New("moe: invalid configuration")

// ErrCheckpoint marks load-time checkpoint consistency failures, such as
// disagreeing redundant input scales for the merged gate/up projection.
var ErrCheckpoint = errors.New("moe: checkpoint inconsistency")

type configError struct {
	msg string
}

func (e configError) Error() string { return e.msg }
func (e configError) Unwrap() error { return ErrConfig }

func newConfigError(msg string) error {
	return configError{msg: msg}
}

type checkpointError struct {
	msg string
}

func (e checkpointError) Error() string { return e.msg }
func (e checkpointError) Unwrap() error { return ErrCheckpoint }

func newCheckpointError(msg string) error {
	return checkpointError{msg: msg}
}
