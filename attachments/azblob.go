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

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"llmcouncil/llm"
)

// BlobAPI is the subset of *azblob.Client the store uses.
type BlobAPI interface {
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
	DownloadStream(ctx context.Context, containerName, blobName string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
}

// AzureConfig configures the Azure Blob store. A connection string wins over
// a shared key; with neither, DefaultAzureCredential is used.
type AzureConfig struct {
	AccountName      string
	AccountKey       string
	ConnectionString string
	Container        string
	Prefix           string
}

// AzureBlobStore keeps uploads as blobs, referenced as
// azblob://container/blob.
type AzureBlobStore struct {
	client    BlobAPI
	container string
	prefix    string
}

func NewAzureBlobStore(cfg AzureConfig) (*AzureBlobStore, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure attachment store requires a container")
	}
	var (
		client *azblob.Client
		err    error
	)
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.AccountKey != "":
		cred, credErr := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("failed to create shared key credential: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	case cfg.AccountName != "":
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, fmt.Errorf("failed to create Azure credential: %w", credErr)
		}
		client, err = azblob.NewClient(serviceURL, cred, nil)
	default:
		return nil, fmt.Errorf("azure attachment store requires an account name or connection string")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	return NewAzureBlobStoreWithClient(client, cfg.Container, cfg.Prefix), nil
}

// NewAzureBlobStoreWithClient wraps an existing client.
func NewAzureBlobStoreWithClient(client BlobAPI, container, prefix string) *AzureBlobStore {
	return &AzureBlobStore{client: client, container: container, prefix: prefix}
}

func (a *AzureBlobStore) Scheme() string { return "azblob" }

func (a *AzureBlobStore) Put(ctx context.Context, name, contentType string, data []byte) (llm.AttachmentRef, error) {
	key := objectKey(a.prefix, name)
	_, err := a.client.UploadBuffer(ctx, a.container, key, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return llm.AttachmentRef{}, fmt.Errorf("failed to upload blob %s: %w", key, err)
	}
	return llm.AttachmentRef{Path: "azblob://" + a.container + "/" + key, ContentType: contentType}, nil
}

func (a *AzureBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	container, key, err := splitObjectURL("azblob", ref)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.DownloadStream(ctx, container, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download blob %s: %w", key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob content %s: %w", key, err)
	}
	return data, nil
}
