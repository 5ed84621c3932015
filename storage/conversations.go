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
	"sync"
	"time"

	"github.com/google/uuid"

	"llmcouncil/council"
	"llmcouncil/llm"
	"llmcouncil/shared/logger"
)

// Conversations serializes read-modify-write updates per conversation id so
// concurrent requests on one conversation never lose an append.
type Conversations struct {
	store Store
	locks sync.Map // id -> *sync.Mutex
	now   func() time.Time
	newID func() string
	log   *logger.Logger
}

// NewConversations wraps a backend.
func NewConversations(store Store, log *logger.Logger) *Conversations {
	if log == nil {
		log = logger.New("storage")
	}
	return &Conversations{store: store, now: time.Now, newID: uuid.NewString, log: log}
}

func (c *Conversations) lock(id string) func() {
	v, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (c *Conversations) update(ctx context.Context, id string, fn func(*Conversation) error) (*Conversation, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	unlock := c.lock(id)
	defer unlock()

	conv, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(conv); err != nil {
		return nil, err
	}
	conv.normalize()
	if err := c.store.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to save conversation %s: %w", id, err)
	}
	return conv, nil
}

// Create starts a new, empty conversation with a generated id.
func (c *Conversations) Create(ctx context.Context) (*Conversation, error) {
	conv := NewConversation(c.newID(), c.now())
	if err := c.store.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	c.log.Info(conv.ID, "", "conversation created", nil)
	return conv, nil
}

func (c *Conversations) Get(ctx context.Context, id string) (*Conversation, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	return c.store.Get(ctx, id)
}

func (c *Conversations) List(ctx context.Context) ([]Summary, error) {
	return c.store.List(ctx)
}

func (c *Conversations) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return ErrNotFound
	}
	unlock := c.lock(id)
	defer unlock()
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.locks.Delete(id)
	return nil
}

// AppendUserMessage records the user's turn before the pipeline runs.
func (c *Conversations) AppendUserMessage(ctx context.Context, id, content string, attachments []llm.AttachmentRef) (*Conversation, error) {
	return c.update(ctx, id, func(conv *Conversation) error {
		conv.Messages = append(conv.Messages, Message{Role: llm.RoleUser, Content: content, Attachments: attachments})
		return nil
	})
}

// AppendAssistantMessage records the council's answer together with every
// intermediate stage.
func (c *Conversations) AppendAssistantMessage(ctx context.Context, id string, res *council.Result) (*Conversation, error) {
	return c.update(ctx, id, func(conv *Conversation) error {
		conv.Messages = append(conv.Messages, Message{Role: llm.RoleAssistant, Content: res.Final.Content, Result: res})
		return nil
	})
}

// SetTitle renames a conversation.
func (c *Conversations) SetTitle(ctx context.Context, id, title string) error {
	_, err := c.update(ctx, id, func(conv *Conversation) error {
		conv.Title = title
		return nil
	})
	return err
}

// AddTestCase attaches a lab-mode test case and returns it with its new id.
func (c *Conversations) AddTestCase(ctx context.Context, id, input, expected string) (council.TestCase, error) {
	tc := council.TestCase{ID: c.newID(), Input: input, Expected: expected}
	_, err := c.update(ctx, id, func(conv *Conversation) error {
		conv.TestCases = append(conv.TestCases, tc)
		return nil
	})
	if err != nil {
		return council.TestCase{}, err
	}
	return tc, nil
}

// DeleteTestCase reports whether a test case with that id was removed.
func (c *Conversations) DeleteTestCase(ctx context.Context, id, testCaseID string) (bool, error) {
	removed := false
	_, err := c.update(ctx, id, func(conv *Conversation) error {
		kept := conv.TestCases[:0]
		for _, tc := range conv.TestCases {
			if tc.ID == testCaseID {
				removed = true
				continue
			}
			kept = append(kept, tc)
		}
		conv.TestCases = kept
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// Close releases the backend.
func (c *Conversations) Close() error {
	return c.store.Close()
}
