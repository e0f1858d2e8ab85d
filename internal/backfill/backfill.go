// Package backfill replays the history of forum channels through the sync
// pipeline: threads get issues, messages get comments, content gets
// mirrored. Jobs are ephemeral; results go to the caller and finished jobs
// leave the registry.
package backfill

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/forumbridge/forumbridge/internal/chat"
	"github.com/forumbridge/forumbridge/internal/config"
	"github.com/forumbridge/forumbridge/internal/resolver"
	"github.com/forumbridge/forumbridge/internal/store"
	"github.com/forumbridge/forumbridge/internal/syncer"
)

// Options controls what a backfill run touches.
type Options struct {
	StartDate     time.Time
	EndDate       time.Time
	BatchSize     int
	Delay         time.Duration
	SyncToTracker bool
	MirrorContent bool
	UpdateScores  bool
}

func (o Options) withDefaults(cfg *config.Config) Options {
	if o.BatchSize <= 0 {
		o.BatchSize = cfg.Backfill.BatchSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Delay <= 0 {
		o.Delay = time.Duration(cfg.Backfill.DelayMS) * time.Millisecond
	}
	if o.Delay <= 0 {
		o.Delay = time.Second
	}
	return o
}

// Job tracks one backfill run. Fields are safe to read once the run has
// finished; concurrent readers go through Snapshot.
type Job struct {
	ID                string
	ChannelID         string
	Status            string // running, completed, failed, cancelled
	TotalThreads      int
	ProcessedThreads  int
	ProcessedMessages int
	Errors            []string
	StartedAt         time.Time
	FinishedAt        time.Time

	cancelled atomic.Bool
	mu        sync.Mutex
}

// JobStatus is a point-in-time copy of a job, shaped for the admin API.
type JobStatus struct {
	ID                string    `json:"id"`
	ChannelID         string    `json:"channel_id"`
	Status            string    `json:"status"`
	TotalThreads      int       `json:"total_threads"`
	ProcessedThreads  int       `json:"processed_threads"`
	ProcessedMessages int       `json:"processed_messages"`
	Errors            []string  `json:"errors,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at,omitempty"`
}

// Snapshot copies the job state under its lock.
func (j *Job) Snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := JobStatus{
		ID:                j.ID,
		ChannelID:         j.ChannelID,
		Status:            j.Status,
		TotalThreads:      j.TotalThreads,
		ProcessedThreads:  j.ProcessedThreads,
		ProcessedMessages: j.ProcessedMessages,
		StartedAt:         j.StartedAt,
		FinishedAt:        j.FinishedAt,
	}
	cp.Errors = append(cp.Errors, j.Errors...)
	return cp
}

func (j *Job) addError(msg string) {
	j.mu.Lock()
	j.Errors = append(j.Errors, msg)
	j.mu.Unlock()
}

// Engine runs backfill jobs over the chat platform's thread listings.
type Engine struct {
	cfg     *config.Config
	orch    *syncer.Orchestrator
	res     *resolver.Resolver
	lister  chat.ThreadLister
	fetcher chat.MessageFetcher
	mirror  store.MirrorStore
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*Job
}

// New builds a backfill engine. The rate limiter caps batch dispatch at one
// per second regardless of the configured inter-batch delay.
func New(cfg *config.Config, orch *syncer.Orchestrator, res *resolver.Resolver,
	lister chat.ThreadLister, fetcher chat.MessageFetcher, mirror store.MirrorStore,
	logger zerolog.Logger) *Engine {
	if mirror == nil {
		mirror = store.NopStore{}
	}
	return &Engine{
		cfg:     cfg,
		orch:    orch,
		res:     res,
		lister:  lister,
		fetcher: fetcher,
		mirror:  mirror,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		logger:  logger,
		jobs:    make(map[string]*Job),
	}
}

// Run backfills one channel synchronously and returns the finished job.
func (e *Engine) Run(ctx context.Context, channelID string, opts Options) *Job {
	opts = opts.withDefaults(e.cfg)
	job := &Job{
		ID:        fmt.Sprintf("backfill-%s-%s", channelID, uuid.NewString()),
		ChannelID: channelID,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	e.register(job)
	defer e.unregister(job.ID)

	e.run(ctx, job, opts)
	return job
}

// Start launches a backfill in the background and returns the job for
// progress polling.
func (e *Engine) Start(ctx context.Context, channelID string, opts Options) *Job {
	opts = opts.withDefaults(e.cfg)
	job := &Job{
		ID:        fmt.Sprintf("backfill-%s-%s", channelID, uuid.NewString()),
		ChannelID: channelID,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	e.register(job)
	go func() {
		defer e.unregister(job.ID)
		e.run(ctx, job, opts)
	}()
	return job
}

// BackfillAll runs every configured forum channel in sequence.
func (e *Engine) BackfillAll(ctx context.Context, opts Options) []*Job {
	jobs := make([]*Job, 0, len(e.cfg.Monitoring.Forums))
	for _, forum := range e.cfg.Monitoring.Forums {
		jobs = append(jobs, e.Run(ctx, forum.ID, opts))
	}
	return jobs
}

// Progress returns a snapshot of a running job.
func (e *Engine) Progress(jobID string) (JobStatus, bool) {
	e.mu.Lock()
	job, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok {
		return JobStatus{}, false
	}
	return job.Snapshot(), true
}

// ActiveJobs lists snapshots of all jobs still in the registry.
func (e *Engine) ActiveJobs() []JobStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]JobStatus, 0, len(e.jobs))
	for _, job := range e.jobs {
		out = append(out, job.Snapshot())
	}
	return out
}

// Cancel flags a running job. The job stops at the next batch boundary,
// reports cancelled status, and leaves the registry.
func (e *Engine) Cancel(jobID string) bool {
	e.mu.Lock()
	job, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	job.cancelled.Store(true)
	return true
}

func (e *Engine) register(job *Job) {
	e.mu.Lock()
	e.jobs[job.ID] = job
	e.mu.Unlock()
}

func (e *Engine) unregister(jobID string) {
	e.mu.Lock()
	delete(e.jobs, jobID)
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, job *Job, opts Options) {
	log := e.logger.With().Str("job", job.ID).Str("channel", job.ChannelID).Logger()
	log.Info().Msg("backfill started")

	finish := func(status string) {
		job.mu.Lock()
		job.Status = status
		job.FinishedAt = time.Now().UTC()
		job.mu.Unlock()
		log.Info().
			Str("status", status).
			Int("threads", job.ProcessedThreads).
			Int("messages", job.ProcessedMessages).
			Int("errors", len(job.Errors)).
			Msg("backfill finished")
	}

	forumName := job.ChannelID
	if forum, ok := e.cfg.ForumByID(job.ChannelID); ok {
		forumName = forum.Name
	} else if name, err := e.lister.ChannelName(ctx, job.ChannelID); err == nil && name != "" {
		forumName = name
	}

	threads, err := e.listThreads(ctx, job.ChannelID)
	if err != nil {
		job.addError(fmt.Sprintf("listing threads: %v", err))
		finish("failed")
		return
	}

	job.mu.Lock()
	job.TotalThreads = len(threads)
	job.mu.Unlock()

	for _, thread := range threads {
		if job.cancelled.Load() || ctx.Err() != nil {
			finish("cancelled")
			return
		}
		if err := e.backfillThread(ctx, job, thread, forumName, opts); err != nil {
			job.addError(fmt.Sprintf("thread %s: %v", thread.ID, err))
		}
		job.mu.Lock()
		job.ProcessedThreads++
		job.mu.Unlock()
	}

	finish("completed")
}

func (e *Engine) listThreads(ctx context.Context, channelID string) ([]chat.Thread, error) {
	active, err := e.lister.ActiveThreads(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("active threads: %w", err)
	}
	archived, err := e.lister.ArchivedThreads(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("archived threads: %w", err)
	}
	seen := make(map[string]bool, len(active))
	threads := make([]chat.Thread, 0, len(active)+len(archived))
	for _, t := range append(active, archived...) {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		threads = append(threads, t)
	}
	return threads, nil
}

func (e *Engine) backfillThread(ctx context.Context, job *Job, thread chat.Thread, forumName string, opts Options) error {
	msgs, err := e.fetchHistory(ctx, thread.ID)
	if err != nil {
		return fmt.Errorf("fetching history: %w", err)
	}
	msgs = filterByDate(msgs, opts.StartDate, opts.EndDate)

	// Oldest first so comment order matches thread order.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })

	issueNumber := 0
	if opts.SyncToTracker {
		var firstMsg *chat.Message
		if len(msgs) > 0 {
			firstMsg = &msgs[0]
		}
		num, created, err := e.res.EnsureIssue(ctx, thread, forumName, firstMsg)
		if err != nil {
			return fmt.Errorf("ensuring issue: %w", err)
		}
		issueNumber = num
		// The first message became the issue body on creation.
		if created && firstMsg != nil {
			msgs = msgs[1:]
		}
	}

	for start := 0; start < len(msgs); start += opts.BatchSize {
		if job.cancelled.Load() || ctx.Err() != nil {
			return nil
		}
		end := start + opts.BatchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		e.processBatch(ctx, job, msgs[start:end], thread, issueNumber, opts)

		if end < len(msgs) {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(opts.Delay):
			}
		}
	}
	return nil
}

// processBatch fans the batch out across goroutines and joins before the
// next batch starts.
func (e *Engine) processBatch(ctx context.Context, job *Job, batch []chat.Message, thread chat.Thread, issueNumber int, opts Options) {
	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		go func(msg chat.Message) {
			defer wg.Done()
			if err := e.processMessage(ctx, msg, thread, issueNumber, opts); err != nil {
				job.addError(fmt.Sprintf("message %s: %v", msg.ID, err))
				return
			}
			job.mu.Lock()
			job.ProcessedMessages++
			job.mu.Unlock()
		}(batch[i])
	}
	wg.Wait()
}

func (e *Engine) processMessage(ctx context.Context, msg chat.Message, thread chat.Thread, issueNumber int, opts Options) error {
	if opts.MirrorContent && !msg.Author.Bot {
		err := e.mirror.SaveMessage(ctx, store.Message{
			ID:         msg.ID,
			ThreadID:   thread.ID,
			ChannelID:  thread.ParentID,
			AuthorID:   msg.Author.ID,
			AuthorName: msg.Author.Name(),
			Content:    msg.Content,
			CreatedAt:  msg.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("mirroring: %w", err)
		}
	}

	if opts.UpdateScores && !msg.Author.Bot {
		if forum, ok := e.cfg.ForumByID(thread.ParentID); ok && forum.Score > 0 {
			if err := e.mirror.AddScore(ctx, msg.Author.ID, msg.Author.Name(), forum.Score); err != nil {
				e.logger.Warn().Str("user", msg.Author.ID).Err(err).Msg("score update failed")
			}
		}
	}

	if opts.SyncToTracker && issueNumber > 0 {
		if err := e.orch.SyncMessage(ctx, msg, issueNumber); err != nil {
			return err
		}
	}
	return nil
}

// fetchHistory pages backwards through a thread with a reverse cursor until
// the platform runs out of messages.
func (e *Engine) fetchHistory(ctx context.Context, threadID string) ([]chat.Message, error) {
	const pageSize = 100
	var all []chat.Message
	beforeID := ""
	for {
		page, err := e.fetcher.FetchMessages(ctx, threadID, pageSize, beforeID)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		if len(page) < pageSize {
			break
		}
		beforeID = page[len(page)-1].ID
	}
	return all, nil
}

func filterByDate(msgs []chat.Message, start, end time.Time) []chat.Message {
	if start.IsZero() && end.IsZero() {
		return msgs
	}
	out := msgs[:0]
	for _, m := range msgs {
		if !start.IsZero() && m.CreatedAt.Before(start) {
			continue
		}
		if !end.IsZero() && m.CreatedAt.After(end) {
			continue
		}
		out = append(out, m)
	}
	return out
}
