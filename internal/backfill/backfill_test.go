package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forumbridge/forumbridge/internal/chat"
	"github.com/forumbridge/forumbridge/internal/config"
	"github.com/forumbridge/forumbridge/internal/mapping"
	"github.com/forumbridge/forumbridge/internal/resolver"
	"github.com/forumbridge/forumbridge/internal/store"
	"github.com/forumbridge/forumbridge/internal/syncer"
	"github.com/forumbridge/forumbridge/internal/tracker"
)

type fakeLister struct {
	active   []chat.Thread
	archived []chat.Thread
}

func (f *fakeLister) ActiveThreads(ctx context.Context, channelID string) ([]chat.Thread, error) {
	return f.active, nil
}

func (f *fakeLister) ArchivedThreads(ctx context.Context, channelID string) ([]chat.Thread, error) {
	return f.archived, nil
}

func (f *fakeLister) ChannelName(ctx context.Context, channelID string) (string, error) {
	return "support", nil
}

// fakeHistory serves per-thread messages newest first with cursor paging.
type fakeHistory struct {
	byThread map[string][]chat.Message
}

func (f *fakeHistory) FetchMessages(ctx context.Context, threadID string, limit int, beforeID string) ([]chat.Message, error) {
	msgs := f.byThread[threadID]
	start := 0
	if beforeID != "" {
		for i, m := range msgs {
			if m.ID == beforeID {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	if start >= len(msgs) {
		return nil, nil
	}
	return msgs[start:end], nil
}

func (f *fakeHistory) FirstMessage(ctx context.Context, threadID string) (*chat.Message, error) {
	msgs := f.byThread[threadID]
	if len(msgs) == 0 {
		return nil, nil
	}
	first := msgs[len(msgs)-1]
	return &first, nil
}

type recordingMirror struct {
	mu       sync.Mutex
	messages []store.Message
	scores   map[string]int
	failID   string
}

func newRecordingMirror() *recordingMirror {
	return &recordingMirror{scores: make(map[string]int)}
}

func (m *recordingMirror) SaveMessage(ctx context.Context, msg store.Message) error {
	if msg.ID == m.failID {
		return fmt.Errorf("storage rejected message %s", msg.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *recordingMirror) DeleteMessage(ctx context.Context, messageID string) error { return nil }

func (m *recordingMirror) SavePost(ctx context.Context, p store.Post) error { return nil }

func (m *recordingMirror) AddScore(ctx context.Context, userID, username string, points int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[userID] += points
	return nil
}

func (m *recordingMirror) Close() {}

type issueServer struct {
	mu       sync.Mutex
	issues   int
	comments []string
}

func (s *issueServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case r.URL.Path == "/search/issues":
			json.NewEncoder(w).Encode(map[string]interface{}{"items": []interface{}{}})
		case strings.HasSuffix(r.URL.Path, "/comments"):
			var payload struct {
				Body string `json:"body"`
			}
			json.NewDecoder(r.Body).Decode(&payload)
			s.comments = append(s.comments, payload.Body)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]interface{}{"id": int64(len(s.comments))})
		case strings.HasSuffix(r.URL.Path, "/issues") && r.Method == http.MethodPost:
			s.issues++
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]interface{}{"number": 100 + s.issues})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Tracker.Enabled = true
	cfg.Tracker.Token = "tok"
	cfg.Tracker.Repository = "owner/repo"
	cfg.Monitoring.Forums = []config.ForumChannel{
		{ID: "forum-1", Name: "Support", Score: 5, TrackerSync: true},
	}
	cfg.Backfill.BatchSize = 50
	cfg.Backfill.DelayMS = 1
	cfg.Settings.MaxMessageLength = 500
	return cfg
}

func newTestEngine(t *testing.T, lister *fakeLister, hist *fakeHistory, mirror store.MirrorStore) (*Engine, *issueServer) {
	t.Helper()
	issrv := &issueServer{}
	srv := httptest.NewServer(issrv.handler())
	t.Cleanup(srv.Close)

	cfg := testConfig()
	maps, err := mapping.NewStore(filepath.Join(t.TempDir(), "m.json"), zerolog.Nop())
	require.NoError(t, err)
	gw := tracker.NewClient("tok", "owner/repo", srv.URL, zerolog.Nop())
	res := resolver.New(maps, gw, zerolog.Nop())
	orch := syncer.New(cfg, maps, gw, res, hist, nil, mirror, "bot-self", zerolog.Nop())

	return New(cfg, orch, res, lister, hist, mirror, zerolog.Nop()), issrv
}

func msg(id string, offsetMin int, author string) chat.Message {
	return chat.Message{
		ID:        id,
		ThreadID:  "t1",
		GuildID:   "g1",
		Content:   "message " + id,
		Author:    chat.Author{ID: "u-" + author, Username: author},
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(offsetMin) * time.Minute),
	}
}

func TestRun_EmptyChannelCompletes(t *testing.T) {
	e, _ := newTestEngine(t, &fakeLister{}, &fakeHistory{byThread: map[string][]chat.Message{}}, newRecordingMirror())

	job := e.Run(context.Background(), "forum-1", Options{MirrorContent: true})
	assert.Equal(t, "completed", job.Status)
	assert.Zero(t, job.TotalThreads)
	assert.Zero(t, job.ProcessedMessages)
	assert.Empty(t, job.Errors)
}

func TestRun_MirrorsAndScores(t *testing.T) {
	thread := chat.Thread{ID: "t1", Name: "Broken login", ParentID: "forum-1"}
	hist := &fakeHistory{byThread: map[string][]chat.Message{
		"t1": {msg("m3", 2, "bob"), msg("m2", 1, "alice"), msg("m1", 0, "alice")},
	}}
	mirror := newRecordingMirror()
	e, _ := newTestEngine(t, &fakeLister{active: []chat.Thread{thread}}, hist, mirror)

	job := e.Run(context.Background(), "forum-1", Options{
		MirrorContent: true, UpdateScores: true, BatchSize: 2, Delay: time.Millisecond,
	})
	require.Equal(t, "completed", job.Status)
	assert.Equal(t, 1, job.ProcessedThreads)
	assert.Equal(t, 3, job.ProcessedMessages)

	assert.Len(t, mirror.messages, 3)
	assert.Equal(t, 10, mirror.scores["u-alice"])
	assert.Equal(t, 5, mirror.scores["u-bob"])
}

func TestRun_SyncToTrackerCreatesIssueAndComments(t *testing.T) {
	thread := chat.Thread{ID: "t1", Name: "Broken login", ParentID: "forum-1"}
	hist := &fakeHistory{byThread: map[string][]chat.Message{
		"t1": {msg("m3", 2, "bob"), msg("m2", 1, "alice"), msg("m1", 0, "alice")},
	}}
	e, issrv := newTestEngine(t, &fakeLister{active: []chat.Thread{thread}}, hist, newRecordingMirror())

	job := e.Run(context.Background(), "forum-1", Options{
		SyncToTracker: true, BatchSize: 10, Delay: time.Millisecond,
	})
	require.Equal(t, "completed", job.Status, "errors: %v", job.Errors)

	assert.Equal(t, 1, issrv.issues, "one issue for the thread")
	require.Len(t, issrv.comments, 2, "first message is the body, the rest are comments")
	joined := strings.Join(issrv.comments, "\n")
	assert.Contains(t, joined, "message m2")
	assert.Contains(t, joined, "message m3")
	assert.NotContains(t, joined, "message m1")
}

func TestRun_SyncSkipsThreadWithoutMessages(t *testing.T) {
	thread := chat.Thread{ID: "t1", Name: "Empty", ParentID: "forum-1"}
	hist := &fakeHistory{byThread: map[string][]chat.Message{}}
	e, issrv := newTestEngine(t, &fakeLister{active: []chat.Thread{thread}}, hist, newRecordingMirror())

	job := e.Run(context.Background(), "forum-1", Options{SyncToTracker: true, Delay: time.Millisecond})
	require.Equal(t, "completed", job.Status)
	assert.Empty(t, job.Errors)
	assert.Zero(t, issrv.issues, "a thread with no messages has no creation context")
}

func TestRun_ArchivedThreadsIncluded(t *testing.T) {
	active := chat.Thread{ID: "t1", Name: "A", ParentID: "forum-1"}
	archived := chat.Thread{ID: "t2", Name: "B", ParentID: "forum-1", Archived: true}
	hist := &fakeHistory{byThread: map[string][]chat.Message{
		"t1": {msg("m1", 0, "alice")},
		"t2": {{ID: "m2", ThreadID: "t2", Content: "old", Author: chat.Author{ID: "u-bob", Username: "bob"}, CreatedAt: time.Now()}},
	}}
	mirror := newRecordingMirror()
	e, _ := newTestEngine(t, &fakeLister{active: []chat.Thread{active}, archived: []chat.Thread{archived}}, hist, mirror)

	job := e.Run(context.Background(), "forum-1", Options{MirrorContent: true, Delay: time.Millisecond})
	assert.Equal(t, 2, job.TotalThreads)
	assert.Len(t, mirror.messages, 2)
}

func TestRun_DateFilter(t *testing.T) {
	thread := chat.Thread{ID: "t1", Name: "A", ParentID: "forum-1"}
	hist := &fakeHistory{byThread: map[string][]chat.Message{
		"t1": {msg("m3", 120, "bob"), msg("m2", 60, "alice"), msg("m1", 0, "alice")},
	}}
	mirror := newRecordingMirror()
	e, _ := newTestEngine(t, &fakeLister{active: []chat.Thread{thread}}, hist, mirror)

	start := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	end := time.Date(2026, 8, 1, 13, 30, 0, 0, time.UTC)
	job := e.Run(context.Background(), "forum-1", Options{
		MirrorContent: true, StartDate: start, EndDate: end, Delay: time.Millisecond,
	})
	require.Equal(t, "completed", job.Status)
	require.Len(t, mirror.messages, 1)
	assert.Equal(t, "m2", mirror.messages[0].ID)
}

func TestRun_PerMessageErrorsDoNotAbort(t *testing.T) {
	thread := chat.Thread{ID: "t1", Name: "A", ParentID: "forum-1"}
	hist := &fakeHistory{byThread: map[string][]chat.Message{
		"t1": {msg("m2", 1, "alice"), msg("m1", 0, "alice")},
	}}
	mirror := newRecordingMirror()
	mirror.failID = "m1"
	e, _ := newTestEngine(t, &fakeLister{active: []chat.Thread{thread}}, hist, mirror)

	job := e.Run(context.Background(), "forum-1", Options{MirrorContent: true, Delay: time.Millisecond})
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, 1, job.ProcessedMessages)
	require.Len(t, job.Errors, 1)
	assert.Contains(t, job.Errors[0], "m1")
}

func TestCancel(t *testing.T) {
	threads := make([]chat.Thread, 50)
	byThread := make(map[string][]chat.Message)
	for i := range threads {
		id := fmt.Sprintf("t%d", i)
		threads[i] = chat.Thread{ID: id, Name: id, ParentID: "forum-1"}
		byThread[id] = []chat.Message{{ID: "m-" + id, ThreadID: id, Content: "x",
			Author: chat.Author{ID: "u", Username: "alice"}, CreatedAt: time.Now()}}
	}
	mirror := newRecordingMirror()
	e, _ := newTestEngine(t, &fakeLister{active: threads}, &fakeHistory{byThread: byThread}, mirror)

	job := e.Start(context.Background(), "forum-1", Options{MirrorContent: true, Delay: time.Millisecond})
	require.True(t, e.Cancel(job.ID))

	require.Eventually(t, func() bool {
		snap := job.Snapshot()
		return snap.Status == "cancelled" || snap.Status == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	// Finished jobs leave the registry either way.
	require.Eventually(t, func() bool {
		_, ok := e.Progress(job.ID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCancel_UnknownJob(t *testing.T) {
	e, _ := newTestEngine(t, &fakeLister{}, &fakeHistory{}, newRecordingMirror())
	assert.False(t, e.Cancel("backfill-nope"))
}

func TestBackfillAll(t *testing.T) {
	thread := chat.Thread{ID: "t1", Name: "A", ParentID: "forum-1"}
	hist := &fakeHistory{byThread: map[string][]chat.Message{
		"t1": {msg("m1", 0, "alice")},
	}}
	e, _ := newTestEngine(t, &fakeLister{active: []chat.Thread{thread}}, hist, newRecordingMirror())

	jobs := e.BackfillAll(context.Background(), Options{MirrorContent: true, Delay: time.Millisecond})
	require.Len(t, jobs, 1)
	assert.Equal(t, "completed", jobs[0].Status)
}

func TestFetchHistory_Paginates(t *testing.T) {
	msgs := make([]chat.Message, 130)
	for i := range msgs {
		msgs[i] = chat.Message{ID: fmt.Sprintf("m%03d", i), CreatedAt: time.Now()}
	}
	hist := &fakeHistory{byThread: map[string][]chat.Message{"t1": msgs}}
	e, _ := newTestEngine(t, &fakeLister{}, hist, newRecordingMirror())

	all, err := e.fetchHistory(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, all, 130)
}

func TestActiveJobs(t *testing.T) {
	e, _ := newTestEngine(t, &fakeLister{}, &fakeHistory{}, newRecordingMirror())
	assert.Empty(t, e.ActiveJobs())
}
