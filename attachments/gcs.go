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
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"llmcouncil/llm"
)

// GCSConfig configures the Cloud Storage store. Without credentials the
// application default credentials are used.
type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	CredentialsJSON string
	Endpoint        string
}

// GCSStore keeps uploads as objects, referenced as gs://bucket/key.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs attachment store requires a bucket")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	} else if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (g *GCSStore) Scheme() string { return "gs" }

func (g *GCSStore) Put(ctx context.Context, name, contentType string, data []byte) (llm.AttachmentRef, error) {
	key := objectKey(g.prefix, name)
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return llm.AttachmentRef{}, fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return llm.AttachmentRef{}, fmt.Errorf("failed to finalize object %s: %w", key, err)
	}
	return llm.AttachmentRef{Path: "gs://" + g.bucket + "/" + key, ContentType: contentType}, nil
}

func (g *GCSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, err := splitObjectURL("gs", ref)
	if err != nil {
		return nil, err
	}
	reader, err := g.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(reader, MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read object content %s: %w", key, err)
	}
	return data, nil
}

// Close releases the client.
func (g *GCSStore) Close() error {
	return g.client.Close()
}
