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

package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// jsonStore persists one JSON document at a fixed path. Writes go
// through a temp file and rename so readers never observe a torn file.
type jsonStore[T any] struct {
	path string
	mu   sync.Mutex
}

func newJSONStore[T any](path string) *jsonStore[T] {
	return &jsonStore[T]{path: path}
}

// load reads the document. A missing file yields the zero value and
// found=false.
func (s *jsonStore[T]) load() (T, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *jsonStore[T]) loadLocked() (T, bool, error) {
	var doc T
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, false, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	return doc, true, nil
}

// save writes the document atomically.
func (s *jsonStore[T]) save(doc T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(doc)
}

func (s *jsonStore[T]) saveLocked(doc T) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", s.path, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", s.path, err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}

// update applies fn to the current document under the store lock and
// persists the result. fn receives the zero value when the file does
// not exist yet.
func (s *jsonStore[T]) update(fn func(doc *T) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, _, err := s.loadLocked()
	if err != nil {
		return err
	}
	if err := fn(&doc); err != nil {
		return err
	}
	return s.saveLocked(doc)
}
