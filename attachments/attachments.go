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

// Package attachments stores uploaded files and resolves attachment
// references back to bytes for multimodal transports.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"llmcouncil/llm"
)

// MaxUploadBytes bounds a single upload.
const MaxUploadBytes = 20 << 20

var (
	// ErrUnknownScheme is returned for references no configured store owns.
	ErrUnknownScheme = errors.New("unknown attachment scheme")
	// ErrInvalidRef is returned for malformed references.
	ErrInvalidRef = errors.New("invalid attachment reference")
)

// Store is one upload backend. Put returns the reference later handed to
// Get; each store only reads references it produced.
type Store interface {
	Scheme() string
	Put(ctx context.Context, name, contentType string, data []byte) (llm.AttachmentRef, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Upload is the response to a successful upload.
type Upload struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
}

// Ref returns the attachment reference for a chat message.
func (u Upload) Ref() llm.AttachmentRef {
	return llm.AttachmentRef{Path: u.Path, ContentType: u.ContentType}
}

var extPattern = regexp.MustCompile(`^\.[A-Za-z0-9]{1,10}$`)

// Save stores data under a fresh id, keeping the original extension when it
// looks like one. An empty or generic content type is sniffed from the data.
func Save(ctx context.Context, store Store, filename, contentType string, data []byte) (Upload, error) {
	if len(data) > MaxUploadBytes {
		return Upload{}, fmt.Errorf("upload exceeds %d bytes", MaxUploadBytes)
	}
	id := uuid.NewString()
	name := id
	if ext := filepath.Ext(filename); extPattern.MatchString(ext) {
		name += strings.ToLower(ext)
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}

	ref, err := store.Put(ctx, name, contentType, data)
	if err != nil {
		return Upload{}, fmt.Errorf("failed to store upload: %w", err)
	}
	return Upload{ID: id, Filename: filename, Path: ref.Path, ContentType: ref.ContentType}, nil
}

// Resolver dispatches references to the store that owns their scheme. It
// implements llm.AttachmentResolver.
type Resolver struct {
	stores map[string]Store
}

// NewResolver registers stores by scheme; nil stores are ignored.
func NewResolver(stores ...Store) *Resolver {
	r := &Resolver{stores: make(map[string]Store)}
	for _, s := range stores {
		if s != nil {
			r.stores[s.Scheme()] = s
		}
	}
	return r
}

// SchemeOf returns the scheme of a reference: "local" for /uploads/ paths,
// otherwise the URL scheme.
func SchemeOf(path string) string {
	if strings.HasPrefix(path, LocalPrefix) {
		return LocalScheme
	}
	if i := strings.Index(path, "://"); i > 0 {
		return path[:i]
	}
	return ""
}

func (r *Resolver) Resolve(ctx context.Context, ref llm.AttachmentRef) ([]byte, error) {
	scheme := SchemeOf(ref.Path)
	store, ok := r.stores[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, ref.Path)
	}
	return store.Get(ctx, ref.Path)
}

// splitObjectURL parses scheme://bucket/key.
func splitObjectURL(scheme, ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(ref, scheme+"://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return bucket, key, nil
}

func objectKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return strings.TrimSuffix(prefix, "/") + "/" + name
}
