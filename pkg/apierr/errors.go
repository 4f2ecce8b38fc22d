/*
Copyright The CodeBroker Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package apierr defines the user-visible error categories of the broker
// and helpers to tag, wrap and classify errors across package boundaries.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is a user-visible error category. Every error that crosses the
// service boundary carries exactly one Kind.
type Kind string

const (
	// KindInvalidArgument indicates a malformed request, a missing chat_id
	// or a bad schema.
	KindInvalidArgument Kind = "InvalidArgument"
	// KindUnavailable indicates the pool could not produce a worker before
	// the deadline.
	KindUnavailable Kind = "Unavailable"
	// KindWorkspaceProjectionFailed indicates the requested files could not
	// be materialized in the worker.
	KindWorkspaceProjectionFailed Kind = "WorkspaceProjectionFailed"
	// KindExecutionFailed indicates an internal exec error. A non-zero exit
	// of the user code is a success, not this.
	KindExecutionFailed Kind = "ExecutionFailed"
	// KindNotFound indicates an unknown blob or metadata entry.
	KindNotFound Kind = "NotFound"
	// KindExpired indicates the metadata entry has passed its expiry.
	KindExpired Kind = "Expired"
	// KindQuotaExhausted indicates remaining_downloads reached zero.
	KindQuotaExhausted Kind = "QuotaExhausted"
	// KindInvalidTool indicates a custom tool source that failed to parse.
	KindInvalidTool Kind = "InvalidTool"
	// KindInvalidToolOutput indicates a custom tool result that could not
	// be JSON-serialized.
	KindInvalidToolOutput Kind = "InvalidToolOutput"
	// KindInternal is the catch-all for everything else.
	KindInternal Kind = "Internal"
)

// Error is a Kind-tagged error wrapping an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a Kind-tagged error with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind and a context message. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind of err, or KindInternal for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
