package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/forumbridge/forumbridge/internal/backfill"
)

// BackfillCommand returns the CLI command for one-shot history replays
func BackfillCommand() *cli.Command {
	return &cli.Command{
		Name:  "backfill",
		Usage: "Replay forum history into the tracker and mirror store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "channel",
				Usage: "Forum channel ID to backfill (all configured channels when omitted)",
			},
			&cli.StringFlag{
				Name:  "start-date",
				Usage: "Only messages on or after this date (YYYY-MM-DD)",
			},
			&cli.StringFlag{
				Name:  "end-date",
				Usage: "Only messages on or before this date (YYYY-MM-DD)",
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Messages per batch (defaults to config)",
			},
			&cli.IntFlag{
				Name:  "delay-ms",
				Usage: "Pause between batches in milliseconds (defaults to config)",
			},
			&cli.BoolFlag{
				Name:  "sync",
				Usage: "Create issues and comments on the tracker",
				Value: true,
			},
			&cli.BoolFlag{
				Name:  "mirror",
				Usage: "Mirror content into the database",
				Value: true,
			},
			&cli.BoolFlag{
				Name:  "scores",
				Usage: "Update participation scores",
			},
		},
		Action: runBackfill,
	}
}

func runBackfill(c *cli.Context) error {
	a, err := buildApp(c)
	if err != nil {
		return err
	}
	defer a.close()

	opts := backfill.Options{
		BatchSize:     c.Int("batch-size"),
		Delay:         time.Duration(c.Int("delay-ms")) * time.Millisecond,
		SyncToTracker: c.Bool("sync"),
		MirrorContent: c.Bool("mirror"),
		UpdateScores:  c.Bool("scores"),
	}
	if s := c.String("start-date"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return fmt.Errorf("invalid start-date %q: %w", s, err)
		}
		opts.StartDate = t
	}
	if s := c.String("end-date"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return fmt.Errorf("invalid end-date %q: %w", s, err)
		}
		opts.EndDate = t
	}

	var jobs []*backfill.Job
	if channel := c.String("channel"); channel != "" {
		jobs = append(jobs, a.engine.Run(c.Context, channel, opts))
	} else {
		jobs = a.engine.BackfillAll(c.Context, opts)
	}

	failed := false
	for _, job := range jobs {
		fmt.Printf("%s: %s (%d threads, %d messages, %d errors)\n",
			job.ChannelID, job.Status, job.ProcessedThreads, job.ProcessedMessages, len(job.Errors))
		for _, e := range job.Errors {
			fmt.Printf("  - %s\n", e)
		}
		if job.Status != "completed" {
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("backfill did not complete cleanly")
	}
	return nil
}
