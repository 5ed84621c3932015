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
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"llmcouncil/llm"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestLocalStore_SaveAndResolve(t *testing.T) {
	ctx := context.Background()
	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	up, err := Save(ctx, local, "diagram.PNG", "", pngHeader)
	require.NoError(t, err)
	assert.Equal(t, "diagram.PNG", up.Filename)
	assert.True(t, strings.HasPrefix(up.Path, "/uploads/"+up.ID))
	assert.True(t, strings.HasSuffix(up.Path, ".png"))
	assert.Equal(t, "image/png", up.ContentType)
	assert.True(t, up.Ref().IsImage())

	data, err := NewResolver(local).Resolve(ctx, up.Ref())
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
}

func TestSave_DropsSuspiciousExtension(t *testing.T) {
	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	up, err := Save(context.Background(), local, "notes.tar/../../x", "text/plain; charset=utf-8", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "/uploads/"+up.ID, up.Path)
	assert.Equal(t, "text/plain", up.ContentType)
}

func TestSave_TooLarge(t *testing.T) {
	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = Save(context.Background(), local, "big.bin", "", make([]byte, MaxUploadBytes+1))
	assert.Error(t, err)
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	for _, ref := range []string{"/uploads/../secret", "/uploads/", "/uploads/a/b", "/etc/passwd"} {
		_, err := local.Get(context.Background(), ref)
		assert.ErrorIs(t, err, ErrInvalidRef, ref)
	}
}

func TestResolver_UnknownScheme(t *testing.T) {
	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	r := NewResolver(local, nil)

	_, err = r.Resolve(context.Background(), llm.AttachmentRef{Path: "gs://bucket/key"})
	assert.ErrorIs(t, err, ErrUnknownScheme)
	_, err = r.Resolve(context.Background(), llm.AttachmentRef{Path: "relative/file.png"})
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestSchemeOf(t *testing.T) {
	assert.Equal(t, LocalScheme, SchemeOf("/uploads/a.png"))
	assert.Equal(t, "s3", SchemeOf("s3://b/k"))
	assert.Equal(t, "azblob", SchemeOf("azblob://c/b"))
	assert.Equal(t, "", SchemeOf("plain"))
}

func TestSplitObjectURL(t *testing.T) {
	bucket, key, err := splitObjectURL("gs", "gs://media/uploads/a.png")
	require.NoError(t, err)
	assert.Equal(t, "media", bucket)
	assert.Equal(t, "uploads/a.png", key)

	for _, bad := range []string{"gs://media", "gs:///key", "s3://media/key"} {
		_, _, err := splitObjectURL("gs", bad)
		assert.ErrorIs(t, err, ErrInvalidRef, bad)
	}
}

type MockS3 struct {
	mock.Mock
	stored map[string][]byte
}

func (m *MockS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(aws.ToString(in.Bucket), aws.ToString(in.Key), aws.ToString(in.ContentType))
	if err := args.Error(0); err != nil {
		return nil, err
	}
	data, _ := io.ReadAll(in.Body)
	if m.stored == nil {
		m.stored = map[string][]byte{}
	}
	m.stored[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(aws.ToString(in.Bucket), aws.ToString(in.Key))
	if err := args.Error(0); err != nil {
		return nil, err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(m.stored[aws.ToString(in.Key)]))}, nil
}

func TestS3Store_PutGet(t *testing.T) {
	ctx := context.Background()
	client := &MockS3{}
	client.On("PutObject", "media", "uploads/a.png", "image/png").Return(nil)
	client.On("GetObject", "media", "uploads/a.png").Return(nil)

	store := NewS3StoreWithClient(client, "media", "uploads/")
	ref, err := store.Put(ctx, "a.png", "image/png", pngHeader)
	require.NoError(t, err)
	assert.Equal(t, "s3://media/uploads/a.png", ref.Path)

	data, err := NewResolver(store).Resolve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
	client.AssertExpectations(t)
}

func TestS3Store_PutError(t *testing.T) {
	client := &MockS3{}
	client.On("PutObject", "media", "a.png", "image/png").Return(errors.New("access denied"))

	_, err := NewS3StoreWithClient(client, "media", "").Put(context.Background(), "a.png", "image/png", pngHeader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

type fakeBlobs struct {
	blobs map[string][]byte
	types map[string]string
}

func (f *fakeBlobs) UploadBuffer(_ context.Context, container, name string, buf []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error) {
	f.blobs[container+"/"+name] = append([]byte(nil), buf...)
	if o != nil && o.HTTPHeaders != nil && o.HTTPHeaders.BlobContentType != nil {
		f.types[container+"/"+name] = *o.HTTPHeaders.BlobContentType
	}
	return azblob.UploadBufferResponse{}, nil
}

func (f *fakeBlobs) DownloadStream(_ context.Context, container, name string, _ *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error) {
	data, ok := f.blobs[container+"/"+name]
	if !ok {
		return azblob.DownloadStreamResponse{}, errors.New("BlobNotFound")
	}
	var resp azblob.DownloadStreamResponse
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

func TestAzureBlobStore_PutGet(t *testing.T) {
	ctx := context.Background()
	client := &fakeBlobs{blobs: map[string][]byte{}, types: map[string]string{}}
	store := NewAzureBlobStoreWithClient(client, "uploads", "")

	ref, err := store.Put(ctx, "a.png", "image/png", pngHeader)
	require.NoError(t, err)
	assert.Equal(t, "azblob://uploads/a.png", ref.Path)
	assert.Equal(t, "image/png", client.types["uploads/a.png"])

	data, err := store.Get(ctx, ref.Path)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)

	_, err = store.Get(ctx, "azblob://uploads/missing.png")
	assert.Error(t, err)
}
