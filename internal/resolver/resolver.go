// Package resolver finds or creates the tracker issue backing a forum
// thread. Every sync path funnels through here so one thread can never end
// up with two issues.
package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/forumbridge/forumbridge/internal/chat"
	"github.com/forumbridge/forumbridge/internal/mapping"
	"github.com/forumbridge/forumbridge/internal/tracker"
)

// SyncMarker tags every issue body this engine creates. Its presence is how
// issues are recognized during search fallback and how echoed webhook
// comments are filtered out.
const SyncMarker = "This issue is automatically synchronized with a corresponding thread in Discord"

// SyncLabel marks synchronized issues on the tracker side.
const SyncLabel = "discord-forum"

// Resolver resolves threads to issue numbers through a fallback chain:
// mapping cache, exact-title search, marker-label search, partial-title
// match, auto-create. Lookups for the same thread are serialized so two
// concurrent events cannot both fall through to creation.
type Resolver struct {
	store  *mapping.Store
	gw     *tracker.Client
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a resolver over the given mapping store and tracker gateway.
func New(store *mapping.Store, gw *tracker.Client, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		gw:     gw,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockThread returns the mutex dedicated to one thread ID, creating it on
// first use. Lock granularity is per thread; distinct threads never contend.
func (r *Resolver) lockThread(threadID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.locks[threadID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[threadID] = m
	}
	return m
}

// Resolve finds the issue for a thread without creating one. The search
// steps that succeed persist their result so later lookups hit the cache.
func (r *Resolver) Resolve(ctx context.Context, threadID, threadName string) (int, bool, error) {
	lock := r.lockThread(threadID)
	lock.Lock()
	defer lock.Unlock()
	return r.resolveLocked(ctx, threadID, threadName)
}

func (r *Resolver) resolveLocked(ctx context.Context, threadID, threadName string) (int, bool, error) {
	if num, ok := r.store.IssueForThread(threadID); ok {
		return num, true, nil
	}

	// A credential-less gateway has nothing to search. Report no issue
	// rather than surfacing a gateway error on every lookup.
	if !r.gw.Enabled() {
		return 0, false, nil
	}

	if num, ok, err := r.searchExactTitle(ctx, threadName); err != nil {
		return 0, false, err
	} else if ok {
		r.logger.Info().Str("thread", threadID).Int("issue", num).Msg("issue recovered by exact title")
		r.store.SetIssue(threadID, num)
		return num, true, nil
	}

	if num, ok, err := r.searchByMarker(ctx, threadID); err != nil {
		return 0, false, err
	} else if ok {
		r.logger.Info().Str("thread", threadID).Int("issue", num).Msg("issue recovered by thread marker")
		r.store.SetIssue(threadID, num)
		return num, true, nil
	}

	if num, ok, err := r.searchPartialTitle(ctx, threadName); err != nil {
		return 0, false, err
	} else if ok {
		r.logger.Info().Str("thread", threadID).Int("issue", num).Msg("issue recovered by partial title")
		r.store.SetIssue(threadID, num)
		return num, true, nil
	}

	return 0, false, nil
}

// EnsureIssue resolves the issue for a thread, creating one from the
// thread's first message if nothing matches. Without an originating message
// there is no creation context, so it reports no issue instead of minting a
// content-less one. The returned flag reports whether an issue was created;
// callers replay any pre-existing thread history when it is set.
func (r *Resolver) EnsureIssue(ctx context.Context, thread chat.Thread, forumName string, firstMsg *chat.Message) (int, bool, error) {
	lock := r.lockThread(thread.ID)
	lock.Lock()
	defer lock.Unlock()

	num, ok, err := r.resolveLocked(ctx, thread.ID, thread.Name)
	if err != nil {
		return 0, false, err
	}
	if ok {
		return num, false, nil
	}

	if !r.gw.Enabled() {
		return 0, false, nil
	}
	if firstMsg == nil {
		r.logger.Debug().Str("thread", thread.ID).Msg("no originating message, skipping issue creation")
		return 0, false, nil
	}

	issue, err := r.createIssue(ctx, thread, forumName, firstMsg)
	if err != nil {
		return 0, false, fmt.Errorf("creating issue for thread %s: %w", thread.ID, err)
	}
	r.store.SetIssue(thread.ID, issue.Number)
	r.logger.Info().
		Str("thread", thread.ID).
		Int("issue", issue.Number).
		Str("title", thread.Name).
		Msg("issue created for thread")
	return issue.Number, true, nil
}

func (r *Resolver) searchExactTitle(ctx context.Context, threadName string) (int, bool, error) {
	if threadName == "" {
		return 0, false, nil
	}
	query := fmt.Sprintf(`repo:%s is:issue in:title "%s"`, r.gw.Repository(), threadName)
	issues, err := r.gw.SearchIssues(ctx, query)
	if err != nil {
		return 0, false, err
	}
	for _, issue := range issues {
		if strings.EqualFold(strings.TrimSpace(issue.Title), strings.TrimSpace(threadName)) {
			return issue.Number, true, nil
		}
	}
	return 0, false, nil
}

func (r *Resolver) searchByMarker(ctx context.Context, threadID string) (int, bool, error) {
	query := fmt.Sprintf(`repo:%s is:issue label:%s`, r.gw.Repository(), SyncLabel)
	issues, err := r.gw.SearchIssues(ctx, query)
	if err != nil {
		return 0, false, err
	}
	needle := "Thread ID: " + threadID
	for _, issue := range issues {
		if strings.Contains(issue.Body, needle) {
			return issue.Number, true, nil
		}
	}
	return 0, false, nil
}

func (r *Resolver) searchPartialTitle(ctx context.Context, threadName string) (int, bool, error) {
	if threadName == "" {
		return 0, false, nil
	}
	query := fmt.Sprintf(`repo:%s is:issue in:title %s`, r.gw.Repository(), threadName)
	issues, err := r.gw.SearchIssues(ctx, query)
	if err != nil {
		return 0, false, err
	}
	want := strings.ToLower(threadName)
	for _, issue := range issues {
		have := strings.ToLower(issue.Title)
		if strings.Contains(have, want) || strings.Contains(want, have) {
			return issue.Number, true, nil
		}
	}
	return 0, false, nil
}

func (r *Resolver) createIssue(ctx context.Context, thread chat.Thread, forumName string, firstMsg *chat.Message) (*tracker.Issue, error) {
	author := firstMsg.Author.Name()
	content := firstMsg.Content
	if content == "" {
		content = "*No content*"
	}

	var b strings.Builder
	if author != "" {
		fmt.Fprintf(&b, "**Author:** %s\n\n", author)
	}
	b.WriteString(content)
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "**Forum:** %s\n", forumName)
	fmt.Fprintf(&b, "**Source:** %s\n", thread.Link())
	fmt.Fprintf(&b, "Thread ID: %s\n\n", thread.ID)
	b.WriteString(SyncMarker)

	labels := []string{SyncLabel, "new-post", strings.ToLower(forumName)}
	return r.gw.CreateIssue(ctx, thread.Name, b.String(), labels)
}
