package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sniptail/sniptail/internal/config"
	"github.com/sniptail/sniptail/internal/job"
	"github.com/sniptail/sniptail/internal/queue"
)

func runSubmitCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	jobType := fs.String("type", "ASK", "job type: ASK, PLAN, IMPLEMENT, REVIEW or MENTION")
	repos := fs.String("repos", "", "comma-separated repo keys from the allowlist")
	ref := fs.String("ref", "", "base git ref (default: the repo's base branch)")
	text := fs.String("text", "", "request text handed to the agent")
	user := fs.String("user", "", "requesting user id")
	channelID := fs.String("channel", "cli", "channel id recorded on the job")
	resume := fs.String("resume", "", "job id to resume from")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	spec := job.Spec{
		Type:            job.Type(strings.ToUpper(strings.TrimSpace(*jobType))),
		GitRef:          *ref,
		RequestText:     *text,
		ResumeFromJobID: *resume,
		Channel: job.ChannelRef{
			Provider:  "cli",
			ChannelID: *channelID,
			UserID:    *user,
		},
	}
	for _, key := range strings.Split(*repos, ",") {
		if key = strings.TrimSpace(key); key != "" {
			spec.RepoKeys = append(spec.RepoKeys, key)
		}
	}
	spec.ID = job.NewID(spec.Type)
	if err := spec.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.Queue.Driver == "memory" {
		fmt.Fprintln(os.Stderr, "warning: the memory queue driver only delivers inside the daemon process; use the redis driver to submit from the CLI")
	}

	transport, err := openTransport(ctx, cfg, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer transport.Close()

	payload, err := json.Marshal(spec)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if _, err := transport.Publish(ctx, queue.ChannelBootstrap, "job.submitted", payload,
		queue.PublishOptions{IdempotencyKey: spec.ID}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(spec.ID)
	return 0
}
