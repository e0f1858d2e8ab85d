package mapping

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mappings.json")
	s, err := NewStore(path, zerolog.Nop())
	require.NoError(t, err)
	return s, path
}

func TestStore_IssueRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	_, ok := s.IssueForThread("thread-1")
	assert.False(t, ok)

	s.SetIssue("thread-1", 42)

	num, ok := s.IssueForThread("thread-1")
	require.True(t, ok)
	assert.Equal(t, 42, num)

	threadID, ok := s.ThreadForIssue(42)
	require.True(t, ok)
	assert.Equal(t, "thread-1", threadID)
}

func TestStore_ReverseIndexFollowsRemap(t *testing.T) {
	s, _ := newTestStore(t)

	s.SetIssue("thread-1", 42)
	s.SetIssue("thread-1", 43)

	_, ok := s.ThreadForIssue(42)
	assert.False(t, ok, "stale reverse entry should be gone")

	threadID, ok := s.ThreadForIssue(43)
	require.True(t, ok)
	assert.Equal(t, "thread-1", threadID)
}

func TestStore_CommentRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	s.SetComment("msg-1", "c-100")

	id, ok := s.CommentForMessage("msg-1")
	require.True(t, ok)
	assert.Equal(t, "c-100", id)

	s.Delete(KindComment, "msg-1")
	_, ok = s.CommentForMessage("msg-1")
	assert.False(t, ok)
}

func TestStore_DeleteMissingIsNoop(t *testing.T) {
	s, _ := newTestStore(t)

	s.Delete(KindIssue, "nope")
	s.Delete(KindComment, "nope")

	st := s.Stats()
	assert.Zero(t, st.IssueCount)
	assert.Zero(t, st.CommentCount)
}

func TestStore_FlushWritesDocument(t *testing.T) {
	s, path := newTestStore(t)

	s.SetIssue("thread-1", 7)
	s.SetComment("msg-1", "c-1")
	require.NoError(t, s.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc struct {
		IssueMap    map[string]int    `json:"issueMap"`
		CommentMap  map[string]string `json:"commentMap"`
		LastUpdated string            `json:"lastUpdated"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, map[string]int{"thread-1": 7}, doc.IssueMap)
	assert.Equal(t, map[string]string{"msg-1": "c-1"}, doc.CommentMap)
	assert.NotEmpty(t, doc.LastUpdated)
}

func TestStore_DebouncedFlush(t *testing.T) {
	s, path := newTestStore(t)

	s.SetIssue("thread-1", 7)
	s.SetIssue("thread-2", 8)

	// Nothing on disk until the debounce window elapses.
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)

	s2, err := NewStore(path, zerolog.Nop())
	require.NoError(t, err)
	num, ok := s2.IssueForThread("thread-2")
	require.True(t, ok)
	assert.Equal(t, 8, num)
}

func TestStore_CloseFlushesPendingWrites(t *testing.T) {
	s, path := newTestStore(t)

	s.SetIssue("thread-1", 99)
	require.NoError(t, s.Close())

	s2, err := NewStore(path, zerolog.Nop())
	require.NoError(t, err)
	num, ok := s2.IssueForThread("thread-1")
	require.True(t, ok)
	assert.Equal(t, 99, num)
}

func TestNewStore_CorruptFileReinitializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	s, err := NewStore(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Zero(t, s.Stats().IssueCount)
}

func TestNewStore_EmptyFileReinitializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.json")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	s, err := NewStore(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Zero(t, s.Stats().CommentCount)
}

func TestStore_Stats(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 0; i < 15; i++ {
		s.SetIssue(filepath.Join("thread", string(rune('a'+i))), i)
	}
	s.SetComment("msg-1", "c-1")

	st := s.Stats()
	assert.Equal(t, 15, st.IssueCount)
	assert.Equal(t, 1, st.CommentCount)
	assert.LessOrEqual(t, len(st.IssuePreview), 10)
	assert.NotEmpty(t, st.LastUpdated)
}

func TestStore_UnwritableMediumKeepsServing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "mappings.json")
	s, err := NewStore(path, zerolog.Nop())
	require.NoError(t, err)

	// Make the parent directory read-only so the flush fails.
	require.NoError(t, os.Chmod(filepath.Join(dir, "sub"), 0555))
	t.Cleanup(func() { os.Chmod(filepath.Join(dir, "sub"), 0755) })

	s.SetIssue("thread-1", 5)
	assert.Error(t, s.Flush())

	// In-memory state is intact.
	num, ok := s.IssueForThread("thread-1")
	require.True(t, ok)
	assert.Equal(t, 5, num)
}
