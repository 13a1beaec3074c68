package sshx

import (
	"errors"
	"fmt"
)

// ErrConnection is returned once transient dial failures have exhausted
// their retries.
var ErrConnection = errors.New("connection failed")

// ErrSessionBusy is returned when a second orchestration pass tries to
// acquire a device session that is already held.
var ErrSessionBusy = errors.New("session already in use")

// RemoteCommandError carries the exit status of a failed remote
// command. The caller decides whether it is fatal or recoverable.
type RemoteCommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *RemoteCommandError) Error() string {
	return fmt.Sprintf("remote command %q exited %d: %s", e.Cmd, e.ExitCode, snippet(e.Stderr))
}

// TransferError reports a failed or unverified file transfer. Always
// fatal to the current binding's build step.
type TransferError struct {
	Local  string
	Remote string
	Reason string
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s -> %s failed: %s", e.Local, e.Remote, e.Reason)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// snippet truncates stderr output for error messages; full output stays
// with the run record.
func snippet(s string) string {
	const max = 200
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
