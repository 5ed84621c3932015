// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultDir is where FileStore keeps conversations unless configured.
const DefaultDir = "data/conversations"

// FileStore keeps one JSON document per conversation in a directory. It is
// the single-node backend used when no database is configured.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create conversation dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

func (f *FileStore) Create(_ context.Context, conv *Conversation) error {
	if !ValidID(conv.ID) {
		return ErrInvalidID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(f.path(conv.ID)); err == nil {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	conv.normalize()
	return f.write(conv)
}

func (f *FileStore) Get(_ context.Context, id string) (*Conversation, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.read(f.path(id))
}

func (f *FileStore) Save(_ context.Context, conv *Conversation) error {
	if !ValidID(conv.ID) {
		return ErrInvalidID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	conv.normalize()
	return f.write(conv)
}

func (f *FileStore) List(_ context.Context) ([]Summary, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		conv, err := f.read(filepath.Join(f.dir, e.Name()))
		if err != nil {
			// Unreadable files are skipped so one bad document cannot hide the rest.
			continue
		}
		out = append(out, conv.Summary())
	}
	sortNewestFirst(out)
	return out, nil
}

func (f *FileStore) Delete(_ context.Context, id string) error {
	if !ValidID(id) {
		return ErrNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }

func (f *FileStore) read(path string) (*Conversation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	conv.normalize()
	return &conv, nil
}

// write replaces the file atomically through a temp file in the same dir.
func (f *FileStore) write(conv *Conversation) error {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode conversation %s: %w", conv.ID, err)
	}
	tmp, err := os.CreateTemp(f.dir, conv.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write conversation %s: %w", conv.ID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write conversation %s: %w", conv.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write conversation %s: %w", conv.ID, err)
	}
	if err := os.Rename(tmp.Name(), f.path(conv.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write conversation %s: %w", conv.ID, err)
	}
	return nil
}
