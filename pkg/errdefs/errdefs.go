// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errdefs defines the tagged error kinds surfaced at the API
// boundary and their HTTP status mapping.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the API boundary.
type Kind string

const (
	// KindBadRequest marks missing or invalid input.
	KindBadRequest Kind = "bad_request"
	// KindValidation marks a failed schema or format check.
	KindValidation Kind = "validation"
	// KindNotFound marks an unknown workspace, session, or resource.
	KindNotFound Kind = "not_found"
	// KindConflict marks a duplicate name or an already-existing
	// resource.
	KindConflict Kind = "conflict"
	// KindBusy marks a session already handling a request.
	KindBusy Kind = "busy"
	// KindUnavailable marks an unreachable tool server or backend.
	KindUnavailable Kind = "unavailable"
	// KindNotImplemented marks an operation without a handler at this
	// scope.
	KindNotImplemented Kind = "not_implemented"
	// KindInternal is everything else.
	KindInternal Kind = "internal"
)

// Error is a tagged error with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a tagged error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags a cause with a kind and message. A nil cause yields nil.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of the nearest tagged error in err's chain,
// or KindInternal for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest, KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindBusy:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
