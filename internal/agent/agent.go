// Package agent is the boundary to the coding-agent process that does the
// actual work. The orchestration core never embeds agent intelligence; it
// spawns a configured command per job and consumes its event stream.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/sniptail/sniptail/internal/job"
)

// Event is one progress item emitted by a running agent.
type Event struct {
	Type     string          `json:"type"`
	Message  string          `json:"message,omitempty"`
	ThreadID string          `json:"threadId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Event types an agent may emit. "result" closes the stream and carries the
// final response.
const (
	EventLog      = "log"
	EventProgress = "progress"
	EventResult   = "result"
)

// Options configures one run.
type Options struct {
	// OnEvent receives each event in stream order; it is never invoked
	// concurrently. Nil drops events.
	OnEvent func(Event)
	// ThreadID resumes a prior agent session when non-empty.
	ThreadID string
}

// Result is what a completed run produced.
type Result struct {
	FinalResponse string
	ThreadID      string
	MergeRequests []job.MergeRequest
	OpenQuestions []string
}

// resultData is the optional structured payload of a "result" event.
type resultData struct {
	MergeRequests []job.MergeRequest `json:"mergeRequests,omitempty"`
	OpenQuestions []string           `json:"openQuestions,omitempty"`
}

// Runner executes agent work for one job. Cancellation is by process
// termination via ctx; there is no cooperative cancel protocol.
type Runner interface {
	Run(ctx context.Context, spec job.Spec, workDir string, env []string, opts Options) (*Result, error)
}

// request is the JSON handed to the agent command on stdin.
type request struct {
	JobID       string `json:"jobId"`
	Type        string `json:"type"`
	RequestText string `json:"requestText"`
	GitRef      string `json:"gitRef,omitempty"`
	ThreadID    string `json:"threadId,omitempty"`
}

// CLIRunner spawns a configured command per job, feeds the request on stdin
// and decodes JSONL events from stdout.
type CLIRunner struct {
	// Command is the argv of the agent process; Command[0] is the binary.
	Command []string
	Logger  *slog.Logger
}

// NewCLIRunner creates a runner for the given argv.
func NewCLIRunner(command []string, logger *slog.Logger) (*CLIRunner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("agent: empty command")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIRunner{Command: command, Logger: logger}, nil
}

func (r *CLIRunner) Run(ctx context.Context, spec job.Spec, workDir string, env []string, opts Options) (*Result, error) {
	input, err := json.Marshal(request{
		JobID:       spec.ID,
		Type:        string(spec.Type),
		RequestText: spec.RequestText,
		GitRef:      spec.GitRef,
		ThreadID:    opts.ThreadID,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: encode request: %w", err)
	}

	command := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	command.Dir = workDir
	command.Env = append(os.Environ(), env...)
	command.Stdin = bytes.NewReader(input)

	var stderr bytes.Buffer
	command.Stderr = &stderr
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: stdout pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("agent: start %s: %w", r.Command[0], err)
	}

	result := &Result{ThreadID: opts.ThreadID}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			r.Logger.Warn("agent: undecodable event line", "job_id", spec.ID, "error", err)
			continue
		}
		if event.ThreadID != "" {
			result.ThreadID = event.ThreadID
		}
		if event.Type == EventResult {
			result.FinalResponse = event.Message
			if len(event.Data) > 0 {
				var data resultData
				if err := json.Unmarshal(event.Data, &data); err != nil {
					r.Logger.Warn("agent: undecodable result data", "job_id", spec.ID, "error", err)
				} else {
					result.MergeRequests = data.MergeRequests
					result.OpenQuestions = data.OpenQuestions
				}
			}
		}
		if opts.OnEvent != nil {
			opts.OnEvent(event)
		}
	}
	scanErr := scanner.Err()

	if err := command.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent: run %s: %w", spec.ID, ctx.Err())
		}
		return nil, fmt.Errorf("agent: run %s: %w (stderr: %s)",
			spec.ID, err, strings.TrimSpace(stderr.String()))
	}
	if scanErr != nil {
		return nil, fmt.Errorf("agent: read events for %s: %w", spec.ID, scanErr)
	}
	return result, nil
}

var _ Runner = (*CLIRunner)(nil)
