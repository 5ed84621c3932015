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

// Package storage persists council conversations. Backends implement Store;
// Conversations layers the read-modify-write helpers the HTTP surface uses on
// top of any backend.
package storage

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"time"

	"llmcouncil/council"
	"llmcouncil/llm"
)

// DefaultTitle is the title of a freshly created conversation.
const DefaultTitle = "New Task"

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// ErrInvalidID is returned for ids that could escape a storage namespace.
var ErrInvalidID = errors.New("invalid conversation id")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidID reports whether id is safe to use as a key in every backend.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Message is one conversation turn. Assistant turns carry the final answer
// in Content and the full pipeline result in Result.
type Message struct {
	Role        llm.Role            `json:"role" bson:"role"`
	Content     string              `json:"content" bson:"content"`
	Attachments []llm.AttachmentRef `json:"attachments,omitempty" bson:"attachments,omitempty"`
	Result      *council.Result     `json:"result,omitempty" bson:"result,omitempty"`
}

// Conversation is the persisted document.
type Conversation struct {
	ID           string             `json:"id" bson:"_id"`
	CreatedAt    time.Time          `json:"created_at" bson:"created_at"`
	Title        string             `json:"title" bson:"title"`
	Messages     []Message          `json:"messages" bson:"messages"`
	MessageCount int                `json:"message_count" bson:"message_count"`
	TestCases    []council.TestCase `json:"test_cases" bson:"test_cases"`
}

// Summary is the listing view of a conversation.
type Summary struct {
	ID           string    `json:"id" bson:"_id"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
	Title        string    `json:"title" bson:"title"`
	MessageCount int       `json:"message_count" bson:"message_count"`
}

// NewConversation returns an empty conversation with non-nil collections.
func NewConversation(id string, now time.Time) *Conversation {
	return &Conversation{
		ID:        id,
		CreatedAt: now.UTC(),
		Title:     DefaultTitle,
		Messages:  []Message{},
		TestCases: []council.TestCase{},
	}
}

// Summary returns the listing view.
func (c *Conversation) Summary() Summary {
	return Summary{ID: c.ID, CreatedAt: c.CreatedAt, Title: c.Title, MessageCount: c.MessageCount}
}

// History converts stored turns into the prior-turn transcript fed to the
// pipeline. Assistant turns contribute their final answer only.
func (c *Conversation) History() []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(c.Messages))
	for _, m := range c.Messages {
		switch m.Role {
		case llm.RoleUser:
			out = append(out, llm.ChatMessage{Role: llm.RoleUser, Content: m.Content, Attachments: m.Attachments})
		case llm.RoleAssistant:
			if m.Content != "" {
				out = append(out, llm.ChatMessage{Role: llm.RoleAssistant, Content: m.Content})
			}
		}
	}
	return out
}

func (c *Conversation) normalize() {
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	if c.TestCases == nil {
		c.TestCases = []council.TestCase{}
	}
	c.MessageCount = len(c.Messages)
}

// Store is a conversation backend. Implementations must be safe for
// concurrent use.
type Store interface {
	// Create stores a new conversation and fails if the id exists.
	Create(ctx context.Context, conv *Conversation) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Conversation, error)
	// Save replaces the stored document.
	Save(ctx context.Context, conv *Conversation) error
	// List returns summaries, newest first.
	List(ctx context.Context) ([]Summary, error)
	// Delete returns ErrNotFound for unknown ids.
	Delete(ctx context.Context, id string) error
	Close() error
}

func sortNewestFirst(s []Summary) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].CreatedAt.After(s[j].CreatedAt) })
}
