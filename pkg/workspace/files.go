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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kadirpekel/mandrake/pkg/errdefs"
)

// FileInfo describes one workspace file.
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// FileContent is a file rendered to text for the model context.
type FileContent struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// FilesStore manages the workspace files directory and a text cache
// for context building. An fsnotify watcher invalidates the cache when
// the directory changes.
type FilesStore struct {
	dir string

	mu      sync.Mutex
	cache   []FileContent
	valid   bool
	watcher *fsnotify.Watcher
}

func newFilesStore(dir string) *FilesStore {
	return &FilesStore{dir: dir}
}

func (s *FilesStore) ensureDir() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create files directory %s: %w", s.dir, err)
	}
	return nil
}

// List returns the files in the store, sorted by name.
func (s *FilesStore) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return []FileInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list files in %s: %w", s.dir, err)
	}

	var out []FileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Read returns a file's raw bytes.
func (s *FilesStore) Read(name string) ([]byte, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errdefs.New(errdefs.KindNotFound, fmt.Sprintf("file %q not found", name))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file %q: %w", name, err)
	}
	return data, nil
}

// Write stores a file and invalidates the text cache.
func (s *FilesStore) Write(name string, data []byte) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := s.ensureDir(); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file %q: %w", name, err)
	}
	s.invalidate()
	return nil
}

// Delete removes a file and invalidates the text cache.
func (s *FilesStore) Delete(name string) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errdefs.New(errdefs.KindNotFound, fmt.Sprintf("file %q not found", name))
		}
		return fmt.Errorf("failed to delete file %q: %w", name, err)
	}
	s.invalidate()
	return nil
}

// Contents renders every file to text for context building. Results
// are cached until the directory changes; files with unknown binary
// formats are skipped.
func (s *FilesStore) Contents() ([]FileContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.valid {
		return s.cache, nil
	}
	if s.watcher == nil {
		s.startWatcher()
	}

	infos, err := s.List()
	if err != nil {
		return nil, err
	}

	contents := make([]FileContent, 0, len(infos))
	for _, info := range infos {
		text, err := ExtractText(filepath.Join(s.dir, info.Name))
		if err != nil {
			slog.Debug("Skipping file in context", "name", info.Name, "reason", err)
			continue
		}
		contents = append(contents, FileContent{Name: info.Name, Content: text})
	}

	s.cache = contents
	s.valid = true
	return contents, nil
}

func (s *FilesStore) invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

// startWatcher arms an fsnotify watch on the files directory. Called
// with s.mu held. Watch failures degrade to uncached reads.
func (s *FilesStore) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("File cache watcher unavailable", "error", err)
		return
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		slog.Debug("File cache watcher unavailable", "dir", s.dir, "error", err)
		return
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				s.invalidate()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// Close stops the cache watcher.
func (s *FilesStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	s.valid = false
}

// resolve maps a user-supplied name to a path inside the directory,
// rejecting traversal.
func (s *FilesStore) resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", errdefs.New(errdefs.KindValidation, fmt.Sprintf("invalid file name %q", name))
	}
	return filepath.Join(s.dir, name), nil
}
