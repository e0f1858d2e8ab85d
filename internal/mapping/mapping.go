// Package mapping persists the thread-to-issue and message-to-comment
// correspondence that drives both sync directions.
package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind selects which of the two mapping namespaces an operation addresses.
type Kind string

const (
	KindIssue   Kind = "issue"
	KindComment Kind = "comment"
)

// flushDelay is the debounce window between a write and its disk flush.
const flushDelay = 1 * time.Second

// document is the on-disk shape of the store.
type document struct {
	IssueMap    map[string]int    `json:"issueMap"`
	CommentMap  map[string]string `json:"commentMap"`
	LastUpdated string            `json:"lastUpdated"`
}

// Stats summarizes the store for the admin endpoint.
type Stats struct {
	IssueCount     int               `json:"issue_count"`
	CommentCount   int               `json:"comment_count"`
	LastUpdated    string            `json:"last_updated"`
	IssuePreview   map[string]int    `json:"issue_preview"`
	CommentPreview map[string]string `json:"comment_preview"`
}

// Store is a file-backed mapping store. All reads are served from memory;
// writes land in memory immediately and are flushed to disk after a short
// debounce window so bursts of updates coalesce into one write.
type Store struct {
	path   string
	logger zerolog.Logger

	mu          sync.RWMutex
	issueMap    map[string]int    // threadID -> issue number
	commentMap  map[string]string // messageID -> comment ID
	threadByNum map[int]string    // issue number -> threadID, derived
	lastUpdated time.Time

	flushMu    sync.Mutex
	flushTimer *time.Timer
	degraded   bool
}

// NewStore loads the mapping file at path, creating it (and its parent
// directory) when missing. A corrupt or empty file is reinitialized rather
// than treated as fatal; mappings are the one thing we can rebuild from the
// tracker side if we have to.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		path:        path,
		logger:      logger,
		issueMap:    make(map[string]int),
		commentMap:  make(map[string]string),
		threadByNum: make(map[int]string),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating mapping directory: %w", err)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading mapping file: %w", err)
	}

	if len(data) == 0 {
		logger.Warn().Str("path", path).Msg("mapping file empty, reinitializing")
		return s, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Error().Str("path", path).Err(err).Msg("mapping file corrupt, reinitializing")
		return s, nil
	}

	if doc.IssueMap != nil {
		s.issueMap = doc.IssueMap
	}
	if doc.CommentMap != nil {
		s.commentMap = doc.CommentMap
	}
	for threadID, num := range s.issueMap {
		s.threadByNum[num] = threadID
	}
	if doc.LastUpdated != "" {
		if t, err := time.Parse(time.RFC3339, doc.LastUpdated); err == nil {
			s.lastUpdated = t
		}
	}

	logger.Info().
		Int("issues", len(s.issueMap)).
		Int("comments", len(s.commentMap)).
		Msg("mapping store loaded")
	return s, nil
}

// IssueForThread returns the issue number mapped to a thread.
func (s *Store) IssueForThread(threadID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	num, ok := s.issueMap[threadID]
	return num, ok
}

// ThreadForIssue returns the thread mapped to an issue number. This is the
// inbound webhook path's lookup direction.
func (s *Store) ThreadForIssue(issueNumber int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	threadID, ok := s.threadByNum[issueNumber]
	return threadID, ok
}

// CommentForMessage returns the comment ID mapped to a chat message.
func (s *Store) CommentForMessage(messageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.commentMap[messageID]
	return id, ok
}

// SetIssue records threadID -> issueNumber and schedules a flush.
func (s *Store) SetIssue(threadID string, issueNumber int) {
	s.mu.Lock()
	if old, ok := s.issueMap[threadID]; ok && old != issueNumber {
		delete(s.threadByNum, old)
	}
	s.issueMap[threadID] = issueNumber
	s.threadByNum[issueNumber] = threadID
	s.lastUpdated = time.Now().UTC()
	s.mu.Unlock()
	s.scheduleFlush()
}

// SetComment records messageID -> commentID and schedules a flush.
func (s *Store) SetComment(messageID, commentID string) {
	s.mu.Lock()
	s.commentMap[messageID] = commentID
	s.lastUpdated = time.Now().UTC()
	s.mu.Unlock()
	s.scheduleFlush()
}

// Delete removes a mapping of the given kind. Deleting a missing key is a
// no-op.
func (s *Store) Delete(kind Kind, key string) {
	s.mu.Lock()
	switch kind {
	case KindIssue:
		if num, ok := s.issueMap[key]; ok {
			delete(s.issueMap, key)
			delete(s.threadByNum, num)
		}
	case KindComment:
		delete(s.commentMap, key)
	}
	s.lastUpdated = time.Now().UTC()
	s.mu.Unlock()
	s.scheduleFlush()
}

// Stats returns counts plus small previews of each map.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		IssueCount:     len(s.issueMap),
		CommentCount:   len(s.commentMap),
		IssuePreview:   make(map[string]int),
		CommentPreview: make(map[string]string),
	}
	if !s.lastUpdated.IsZero() {
		st.LastUpdated = s.lastUpdated.Format(time.RFC3339)
	}
	for k, v := range s.issueMap {
		if len(st.IssuePreview) >= 10 {
			break
		}
		st.IssuePreview[k] = v
	}
	for k, v := range s.commentMap {
		if len(st.CommentPreview) >= 5 {
			break
		}
		st.CommentPreview[k] = v
	}
	return st
}

// scheduleFlush arms the debounce timer. A write arriving while a flush is
// already pending rides along with it instead of arming a second one.
func (s *Store) scheduleFlush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if s.flushTimer != nil {
		return
	}
	s.flushTimer = time.AfterFunc(flushDelay, func() {
		s.flushMu.Lock()
		s.flushTimer = nil
		s.flushMu.Unlock()
		if err := s.Flush(); err != nil {
			s.logger.Error().Err(err).Msg("mapping flush failed, serving from memory")
		}
	})
}

// Flush writes the current state to disk immediately.
func (s *Store) Flush() error {
	s.mu.RLock()
	doc := document{
		IssueMap:   make(map[string]int, len(s.issueMap)),
		CommentMap: make(map[string]string, len(s.commentMap)),
	}
	for k, v := range s.issueMap {
		doc.IssueMap[k] = v
	}
	for k, v := range s.commentMap {
		doc.CommentMap[k] = v
	}
	if !s.lastUpdated.IsZero() {
		doc.LastUpdated = s.lastUpdated.Format(time.RFC3339)
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding mapping document: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		s.flushMu.Lock()
		first := !s.degraded
		s.degraded = true
		s.flushMu.Unlock()
		if first {
			s.logger.Error().Str("path", s.path).Err(err).
				Msg("mapping file unwritable, continuing in memory only")
		}
		return fmt.Errorf("writing mapping file: %w", err)
	}

	s.flushMu.Lock()
	if s.degraded {
		s.logger.Info().Str("path", s.path).Msg("mapping file writable again")
	}
	s.degraded = false
	s.flushMu.Unlock()
	return nil
}

// Close cancels any pending flush timer and forces a final flush.
func (s *Store) Close() error {
	s.flushMu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.flushMu.Unlock()
	return s.Flush()
}
