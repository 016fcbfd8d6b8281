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

package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	err := New(KindNotFound, "workspace not found")
	assert.Equal(t, "workspace not found", err.Error())

	cause := errors.New("disk gone")
	wrapped := Wrap(KindInternal, "failed to load", cause)
	require.Error(t, wrapped)
	assert.Equal(t, "failed to load: disk gone", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindInternal, "whatever", nil))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindBusy, KindOf(New(KindBusy, "session busy")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))

	// Kinds survive fmt.Errorf wrapping
	wrapped := fmt.Errorf("context: %w", New(KindConflict, "duplicate"))
	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindConflict))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(New(KindNotFound, "gone")))
	assert.False(t, IsNotFound(New(KindConflict, "dup")))
	assert.False(t, IsNotFound(nil))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindBadRequest, http.StatusBadRequest},
		{KindValidation, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindBusy, http.StatusConflict},
		{KindUnavailable, http.StatusServiceUnavailable},
		{KindNotImplemented, http.StatusNotImplemented},
		{KindInternal, http.StatusInternalServerError},
		{Kind("mystery"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, HTTPStatus(tt.kind), string(tt.kind))
	}
}
