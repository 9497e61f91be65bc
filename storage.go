package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ConversationStore persists conversations as one JSON file each under
// a data directory. All read-modify-write operations on a conversation
// run under a per-conversation mutex, so concurrent requests for the
// same conversation cannot interleave their writes.
type ConversationStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewConversationStore creates a store rooted at dir. The directory is
// created lazily on first write.
func NewConversationStore(dir string) *ConversationStore {
	return &ConversationStore{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex guarding one conversation's file.
func (s *ConversationStore) lockFor(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[conversationID] = lock
	}
	return lock
}

// ensureDataDir ensures the data directory exists.
func (s *ConversationStore) ensureDataDir() error {
	return os.MkdirAll(s.dir, 0755)
}

// path returns the file path for a conversation.
func (s *ConversationStore) path(conversationID string) string {
	return filepath.Join(s.dir, conversationID+".json")
}

// Create creates a new conversation with the given ID and writes it to
// disk with a default title.
func (s *ConversationStore) Create(conversationID string) (*Conversation, error) {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conversation := &Conversation{
		ID:        conversationID,
		CreatedAt: time.Now().UTC(),
		Title:     "New Conversation",
		Messages:  []Message{},
	}

	if err := s.saveLocked(conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

// Get loads a conversation by ID. Returns nil without error if the
// conversation doesn't exist.
func (s *ConversationStore) Get(conversationID string) (*Conversation, error) {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	return s.loadLocked(conversationID)
}

// Save writes a conversation to disk.
func (s *ConversationStore) Save(conversation *Conversation) error {
	lock := s.lockFor(conversation.ID)
	lock.Lock()
	defer lock.Unlock()

	return s.saveLocked(conversation)
}

func (s *ConversationStore) loadLocked(conversationID string) (*Conversation, error) {
	path := s.path(conversationID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil // Not found, return nil without error
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation file: %w", err)
	}

	var conversation Conversation
	if err := json.Unmarshal(data, &conversation); err != nil {
		return nil, fmt.Errorf("failed to parse conversation JSON: %w", err)
	}

	return &conversation, nil
}

func (s *ConversationStore) saveLocked(conversation *Conversation) error {
	if err := s.ensureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.MarshalIndent(conversation, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	if err := os.WriteFile(s.path(conversation.ID), data, 0644); err != nil {
		return fmt.Errorf("failed to write conversation file: %w", err)
	}

	return nil
}

// List returns metadata for all conversations, newest first. Unreadable
// or invalid files are skipped silently.
func (s *ConversationStore) List() ([]ConversationMetadata, error) {
	if err := s.ensureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	// Initialize with empty slice to avoid null in JSON responses
	conversations := make([]ConversationMetadata, 0)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}

		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			continue
		}

		conversations = append(conversations, ConversationMetadata{
			ID:           conv.ID,
			CreatedAt:    conv.CreatedAt,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
		})
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].CreatedAt.After(conversations[j].CreatedAt)
	})

	return conversations, nil
}

// AddUserMessage appends a user message to a conversation under its
// lock.
func (s *ConversationStore) AddUserMessage(conversationID string, content string) error {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conversation, err := s.loadLocked(conversationID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}

	conversation.Messages = append(conversation.Messages, Message{
		Role:    "user",
		Content: content,
	})

	return s.saveLocked(conversation)
}

// AddTurn appends a completed council turn as an assistant message.
// Only the storage projection of the turn is written; ephemeral
// metadata stays with the delivered result.
func (s *ConversationStore) AddTurn(conversationID string, turn *TurnResult) error {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conversation, err := s.loadLocked(conversationID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}

	conversation.Messages = append(conversation.Messages, turn.Message())

	return s.saveLocked(conversation)
}

// UpdateTitle updates the title of a conversation under its lock.
func (s *ConversationStore) UpdateTitle(conversationID string, title string) error {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conversation, err := s.loadLocked(conversationID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}

	conversation.Title = title

	return s.saveLocked(conversation)
}
