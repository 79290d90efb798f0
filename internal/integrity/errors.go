package integrity

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoRecord marks the absence of a usable remote attestation record.
var ErrNoRecord = errors.New("no attestation record")

type FailureKind string

const (
	TransportFailure  FailureKind = "transport"
	FileSystemFailure FailureKind = "filesystem"
	InternalFailure   FailureKind = "internal"
)

// CheckError classifies a failure met during a check. Transport and
// file-system failures are absorbed into the report; internal failures are
// returned to the caller.
type CheckError struct {
	Kind FailureKind `json:"kind"`
	Op   string      `json:"op"`
	Path string      `json:"path,omitempty"`
	Err  error       `json:"-"`
}

func (e *CheckError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Kind, e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *CheckError) Unwrap() error { return e.Err }

// Message is the wrapped error text, for serialisation.
func (e *CheckError) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func transportError(op, url string, err error) *CheckError {
	return &CheckError{Kind: TransportFailure, Op: op, Path: url, Err: err}
}

func fileSystemError(op, path string, err error) *CheckError {
	return &CheckError{Kind: FileSystemFailure, Op: op, Path: path, Err: err}
}

func internalError(op string, err error) *CheckError {
	return &CheckError{Kind: InternalFailure, Op: op, Err: err}
}

// IsKind reports whether err carries a CheckError of the given kind.
func IsKind(err error, kind FailureKind) bool {
	var ce *CheckError
	return errors.As(err, &ce) && ce.Kind == kind
}

func (e *CheckError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind  FailureKind `json:"kind"`
		Op    string      `json:"op"`
		Path  string      `json:"path,omitempty"`
		Error string      `json:"error"`
	}{e.Kind, e.Op, e.Path, e.Message()})
}
