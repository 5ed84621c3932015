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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmcouncil/council"
	"llmcouncil/llm"
	"llmcouncil/shared/logger"
)

func quietLogger() *logger.Logger {
	l := logger.New("storage-test")
	l.SetOutput(io.Discard)
	return l
}

func newFileConversations(t *testing.T) (*Conversations, *FileStore) {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return NewConversations(fs, quietLogger()), fs
}

func TestFileStore_CreateGetDelete(t *testing.T) {
	ctx := context.Background()
	convs, _ := newFileConversations(t)

	conv, err := convs.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, conv.Title)
	assert.NotEmpty(t, conv.ID)

	got, err := convs.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.NotNil(t, got.Messages)
	assert.NotNil(t, got.TestCases)

	require.NoError(t, convs.Delete(ctx, conv.ID))
	_, err = convs.Get(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, convs.Delete(ctx, conv.ID), ErrNotFound)
}

func TestFileStore_RejectsPathTraversal(t *testing.T) {
	ctx := context.Background()
	convs, fs := newFileConversations(t)

	_, err := convs.Get(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, fs.Save(ctx, &Conversation{ID: "../x"}), ErrInvalidID)
}

func TestFileStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new", "mid"} {
		offsets := []time.Duration{0, 2 * time.Hour, time.Hour}
		require.NoError(t, fs.Create(ctx, NewConversation(id, base.Add(offsets[i]))))
	}
	require.NoError(t, os.WriteFile(filepath.Join(fs.dir, "broken.json"), []byte("{"), 0o644))

	list, err := fs.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestFileStore_CreateTwiceFails(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.Create(ctx, NewConversation("abc", time.Now())))
	assert.Error(t, fs.Create(ctx, NewConversation("abc", time.Now())))
}

func TestConversations_MessagesAndHistory(t *testing.T) {
	ctx := context.Background()
	convs, _ := newFileConversations(t)
	conv, err := convs.Create(ctx)
	require.NoError(t, err)

	attachments := []llm.AttachmentRef{{Path: "/uploads/x.png", ContentType: "image/png"}}
	_, err = convs.AppendUserMessage(ctx, conv.ID, "What is Go?", attachments)
	require.NoError(t, err)

	res := &council.Result{
		State: council.StateDone,
		Final: council.FinalAnswer{Model: "chair", Content: "A language.", Source: council.SourceSynthesis},
		Explore: llm.StageResult{
			{Model: "m1", Result: &llm.QueryResult{Content: "Go is a language"}},
			{Model: "m2"},
		},
	}
	updated, err := convs.AppendAssistantMessage(ctx, conv.ID, res)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.MessageCount)

	reloaded, err := convs.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Messages, 2)
	require.NotNil(t, reloaded.Messages[1].Result)
	assert.Equal(t, council.StateDone, reloaded.Messages[1].Result.State)
	r, present := reloaded.Messages[1].Result.Explore.Get("m2")
	assert.True(t, present)
	assert.Nil(t, r)

	assert.Equal(t, []llm.ChatMessage{
		{Role: llm.RoleUser, Content: "What is Go?", Attachments: attachments},
		{Role: llm.RoleAssistant, Content: "A language."},
	}, reloaded.History())
}

func TestConversations_UnknownConversation(t *testing.T) {
	ctx := context.Background()
	convs, _ := newFileConversations(t)

	_, err := convs.AppendUserMessage(ctx, "missing", "hi", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = convs.AddTestCase(ctx, "missing", "in", "out")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversations_TestCases(t *testing.T) {
	ctx := context.Background()
	convs, _ := newFileConversations(t)
	conv, err := convs.Create(ctx)
	require.NoError(t, err)

	tc, err := convs.AddTestCase(ctx, conv.ID, "2+2", "4")
	require.NoError(t, err)
	assert.NotEmpty(t, tc.ID)

	got, err := convs.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []council.TestCase{tc}, got.TestCases)

	removed, err := convs.DeleteTestCase(ctx, conv.ID, "nope")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = convs.DeleteTestCase(ctx, conv.ID, tc.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	got, err = convs.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.TestCases)
}

func TestConversations_ConcurrentAppendsAreNotLost(t *testing.T) {
	ctx := context.Background()
	convs, _ := newFileConversations(t)
	conv, err := convs.Create(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := convs.AppendUserMessage(ctx, conv.ID, fmt.Sprintf("msg %d", i), nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := convs.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 20)
	assert.Equal(t, 20, got.MessageCount)
}

func TestConversations_SetTitle(t *testing.T) {
	ctx := context.Background()
	convs, _ := newFileConversations(t)
	conv, err := convs.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, convs.SetTitle(ctx, conv.ID, "Renamed"))
	list, err := convs.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Renamed", list[0].Title)
}

// TestMongoStore_Integration runs only against a real server.
func TestMongoStore_Integration(t *testing.T) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set, skipping MongoDB integration test")
	}
	ctx := context.Background()
	store, err := NewMongoStore(ctx, uri, "llmcouncil_test")
	require.NoError(t, err)
	defer store.Close()

	convs := NewConversations(store, quietLogger())
	conv, err := convs.Create(ctx)
	require.NoError(t, err)
	defer convs.Delete(ctx, conv.ID)

	_, err = convs.AppendUserMessage(ctx, conv.ID, "hello", nil)
	require.NoError(t, err)

	got, err := convs.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.MessageCount)

	list, err := convs.List(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, list)
}
