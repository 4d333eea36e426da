// Package agent runs the autonomous coding agent as a subprocess and exposes
// its NDJSON stdout as a typed event stream. The agent itself is a black box;
// only the envelope format matters here.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/peerbot/peerbot/internal/common/errors"
	"github.com/peerbot/peerbot/internal/common/logger"
)

// Event types emitted on the stream.
const (
	EventTypeSystem    = "system"
	EventTypeAssistant = "assistant"
	EventTypeOutput    = "output"
	EventTypeResult    = "result"
)

// NDJSON lines can carry whole file contents.
const maxLineSize = 4 * 1024 * 1024

// Task is one entry of a structured task list surfaced by the agent.
type Task struct {
	Content string `json:"content"`
	Status  string `json:"status"` // pending, in_progress, completed
}

// Event is one parsed line of the agent's output stream.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Tasks     []Task `json:"tasks,omitempty"`
}

// Text returns the displayable content of the event.
func (e Event) Text() string {
	if e.Content != "" {
		return e.Content
	}
	return e.Result
}

// Options configures one agent invocation.
type Options struct {
	// Command is the agent binary.
	Command string

	// Token authenticates the agent against its backend, passed via env.
	Token string

	Model           string
	AllowedTools    []string
	ResumeSessionID string
	TimeoutMinutes  int

	// WorkspaceDir is the working directory for the subprocess.
	WorkspaceDir string
}

// Runner launches agent subprocesses.
type Runner struct {
	logger *logger.Logger
}

// NewRunner creates a Runner.
func NewRunner(log *logger.Logger) *Runner {
	return &Runner{logger: log.WithFields(zap.String("component", "agent"))}
}

// Run starts the agent with the prompt and streams its events. The channel
// closes when the subprocess exits; a failed run ends with a Result event
// carrying IsError.
func (r *Runner) Run(ctx context.Context, prompt string, opts Options) (<-chan Event, error) {
	if opts.Command == "" {
		return nil, apperrors.Permanent("agent command not configured", nil)
	}

	cancel := context.CancelFunc(func() {})
	if opts.TimeoutMinutes > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMinutes)*time.Minute)
	}

	args := buildArgs(prompt, opts)
	cmd := exec.CommandContext(ctx, opts.Command, args...)
	cmd.Dir = opts.WorkspaceDir
	cmd.Env = append(os.Environ(), "AGENT_TOKEN="+opts.Token)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, apperrors.Wrap(err, "failed to open agent stdout")
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, apperrors.Wrap(err, "failed to start agent")
	}

	r.logger.Info("agent started",
		zap.String("command", opts.Command),
		zap.Bool("resuming", opts.ResumeSessionID != ""))

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		defer cancel()

		sawResult := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			event, ok := parseLine(line)
			if !ok {
				r.logger.Debug("skipping unparsable agent line", zap.Int("len", len(line)))
				continue
			}
			if event.Type == EventTypeResult {
				sawResult = true
			}
			events <- event
		}

		err := cmd.Wait()
		if err != nil {
			r.logger.Error("agent exited with error",
				zap.Error(err),
				zap.String("stderr", truncate(stderr.String(), 2048)))
			events <- Event{
				Type:    EventTypeResult,
				IsError: true,
				Result:  fmt.Sprintf("agent failed: %v", err),
			}
			return
		}
		if !sawResult {
			// The stream ended without a terminal event; synthesize one so
			// consumers always observe completion.
			events <- Event{Type: EventTypeResult}
		}
	}()

	return events, nil
}

// buildArgs assembles the agent CLI invocation.
func buildArgs(prompt string, opts Options) []string {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return args
}

// rawEvent mirrors the envelope variants the agent emits. Assistant messages
// nest content blocks; tool events may carry a structured task list.
type rawEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Message   *struct {
		Content []struct {
			Type  string `json:"type"`
			Text  string `json:"text,omitempty"`
			Name  string `json:"name,omitempty"`
			Input *struct {
				Todos []Task `json:"todos,omitempty"`
			} `json:"input,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`
}

// parseLine maps one NDJSON line to an Event.
func parseLine(line string) (Event, bool) {
	var raw rawEvent
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Event{}, false
	}
	if raw.Type == "" {
		return Event{}, false
	}

	event := Event{
		Type:      raw.Type,
		SessionID: raw.SessionID,
		Result:    raw.Result,
		IsError:   raw.IsError,
	}

	if raw.Message != nil {
		var texts []string
		for _, block := range raw.Message.Content {
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
			if block.Input != nil && len(block.Input.Todos) > 0 {
				event.Tasks = block.Input.Todos
			}
		}
		event.Content = strings.Join(texts, "\n")
	}

	// Normalize assistant text into output events so consumers handle one
	// streaming type.
	if event.Type == EventTypeAssistant && (event.Content != "" || len(event.Tasks) > 0) {
		event.Type = EventTypeOutput
	}
	return event, true
}

// RenderTaskList formats a task list as a chat-friendly checklist.
func RenderTaskList(tasks []Task) string {
	var b strings.Builder
	b.WriteString("*Task list:*\n")
	for _, task := range tasks {
		switch task.Status {
		case "completed":
			b.WriteString(":white_check_mark: ")
		case "in_progress":
			b.WriteString(":arrow_forward: ")
		default:
			b.WriteString(":white_circle: ")
		}
		b.WriteString(task.Content)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
