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

package attachments

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"llmcouncil/llm"
)

const (
	// LocalScheme names the local directory store.
	LocalScheme = "local"
	// LocalPrefix is the URL path local uploads are served under.
	LocalPrefix = "/uploads/"
	// DefaultUploadDir is the local store's default directory.
	DefaultUploadDir = "data/uploads"
)

// LocalStore keeps uploads in a directory served at /uploads/.
type LocalStore struct {
	dir string
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		dir = DefaultUploadDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir %s: %w", dir, err)
	}
	return &LocalStore{dir: dir}, nil
}

// Dir is the directory to serve at LocalPrefix.
func (l *LocalStore) Dir() string { return l.dir }

func (l *LocalStore) Scheme() string { return LocalScheme }

func (l *LocalStore) Put(_ context.Context, name, contentType string, data []byte) (llm.AttachmentRef, error) {
	if filepath.Base(name) != name {
		return llm.AttachmentRef{}, fmt.Errorf("%w: %q", ErrInvalidRef, name)
	}
	if err := os.WriteFile(filepath.Join(l.dir, name), data, 0o644); err != nil {
		return llm.AttachmentRef{}, fmt.Errorf("failed to write upload %s: %w", name, err)
	}
	return llm.AttachmentRef{Path: LocalPrefix + name, ContentType: contentType}, nil
}

func (l *LocalStore) Get(_ context.Context, ref string) ([]byte, error) {
	name, ok := strings.CutPrefix(ref, LocalPrefix)
	if !ok || name == "" || filepath.Base(name) != name || name == "." || name == ".." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("upload %s not found: %w", name, err)
		}
		return nil, fmt.Errorf("failed to read upload %s: %w", name, err)
	}
	return data, nil
}
