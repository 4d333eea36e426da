package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerbot/peerbot/internal/cluster"
	clusterfake "github.com/peerbot/peerbot/internal/cluster/fake"
	"github.com/peerbot/peerbot/internal/common/logger"
	"github.com/peerbot/peerbot/internal/queue"
	"github.com/peerbot/peerbot/internal/session"
	"github.com/peerbot/peerbot/internal/store"
	"github.com/peerbot/peerbot/internal/worker/agent"
	v1 "github.com/peerbot/peerbot/pkg/api/v1"
)

type fakeGit struct {
	mu           sync.Mutex
	prepared     bool
	autoPushRuns int
	commits      []string
	prepareErr   error
	commitErr    error
	branch       string
}

func (g *fakeGit) Prepared() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prepared
}

func (g *fakeGit) Commits() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.commits...)
}

func (g *fakeGit) Prepare(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prepared = true
	return g.prepareErr
}

func (g *fakeGit) StartAutoPush(context.Context) func() {
	g.mu.Lock()
	g.autoPushRuns++
	g.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() {}) }
}

func (g *fakeGit) CommitAndPush(_ context.Context, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commits = append(g.commits, message)
	return g.commitErr
}

func (g *fakeGit) Branch() string { return g.branch }
func (g *fakeGit) Dir() string    { return "/workspace/alice" }

type fakeAgent struct {
	mu     sync.Mutex
	events []agent.Event
	runs   []agent.Options
	err    error
}

func (a *fakeAgent) Run(_ context.Context, _ string, opts agent.Options) (<-chan agent.Event, error) {
	a.mu.Lock()
	a.runs = append(a.runs, opts)
	a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}

	ch := make(chan agent.Event, len(a.events))
	for _, e := range a.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (a *fakeAgent) lastRun() agent.Options {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs[len(a.runs)-1]
}

func testConfig() Config {
	return Config{
		SessionKey:     "slack.W1.C1.1700000000-000100",
		UserID:         "U1",
		Username:       "alice",
		ChannelID:      "C1",
		ThreadTs:       "1700000000.000100",
		RepositoryURL:  "https://git.example.com/org/alice.git",
		DeploymentName: "worker-slack-w1-c1-1700000000-000100",
		AgentCommand:   "claude",
		ExitOnIdle:     200 * time.Millisecond,
		WorkspacePath:  "/workspace",
	}
}

func threadMessage() *v1.WorkerDeploymentRequest {
	return &v1.WorkerDeploymentRequest{
		UserID:      "U1",
		ThreadID:    "1700000000.000100",
		Platform:    "slack",
		MessageID:   "1700000000.000100",
		MessageText: "build me a widget",
		ChannelID:   "C1",
		Username:    "alice",
		Metadata: v1.PlatformMetadata{
			TeamID:               "W1",
			RepositoryURL:        "https://git.example.com/org/alice.git",
			SlackResponseChannel: "C1",
			SlackResponseTs:      "1700000001.000001",
			OriginalMessageTs:    "1700000000.000100",
		},
	}
}

type workerEnv struct {
	worker *Worker
	q      *queue.MemoryQueue
	store  *store.MemoryStore
	git    *fakeGit
	agent  *fakeAgent
	done   chan error
}

func startWorker(t *testing.T, cfg Config, git *fakeGit, fa *fakeAgent) *workerEnv {
	t.Helper()

	log := logger.Default()
	q := queue.NewMemoryQueue(log)
	t.Cleanup(q.Close)
	memStore := store.NewMemoryStore()

	w := New(cfg, q, memStore, git, fa, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	return &workerEnv{worker: w, q: q, store: memStore, git: git, agent: fa, done: done}
}

func (env *workerEnv) send(t *testing.T, cfg Config, req *v1.WorkerDeploymentRequest) {
	t.Helper()
	opts := queue.DefaultSendOptions()
	opts.Priority = 10
	_, err := env.q.Send(context.Background(), session.ThreadQueueName(cfg.DeploymentName), req, opts)
	require.NoError(t, err)
}

func (env *workerEnv) responses(t *testing.T, want int) []v1.ThreadResponse {
	t.Helper()

	var (
		mu  sync.Mutex
		got []v1.ThreadResponse
	)
	sub, err := env.q.Work(context.Background(), session.ResponseQueue,
		func(_ context.Context, job *queue.Job) error {
			var resp v1.ThreadResponse
			if err := job.Unmarshal(&resp); err != nil {
				return err
			}
			mu.Lock()
			got = append(got, resp)
			mu.Unlock()
			return nil
		}, queue.WorkOptions{})
	require.NoError(t, err)
	defer sub.Unsubscribe() //nolint:errcheck

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= want
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	return append([]v1.ThreadResponse(nil), got...)
}

func TestWorkerProcessesMessage(t *testing.T) {
	git := &fakeGit{branch: "claude/slack-W1-C1-1700000000-000100"}
	fa := &fakeAgent{events: []agent.Event{
		{Type: agent.EventTypeSystem, SessionID: "agent-42"},
		{Type: agent.EventTypeOutput, Content: "Working on the widget..."},
		{Type: agent.EventTypeResult, Result: "Widget built and tested."},
	}}
	cfg := testConfig()
	env := startWorker(t, cfg, git, fa)

	env.send(t, cfg, threadMessage())

	responses := env.responses(t, 3)
	assert.Equal(t, "Setting up the workspace...", responses[0].Content)
	assert.Equal(t, "Working on the widget...", responses[1].Content)
	assert.False(t, responses[1].IsDone)
	assert.Equal(t, "Widget built and tested.", responses[2].Content)
	assert.True(t, responses[2].IsDone)

	assert.True(t, git.Prepared())
	require.NotEmpty(t, git.Commits())

	// The agent session id is persisted for resumption.
	rec, err := env.store.GetConversation(context.Background(), cfg.SessionKey, "W1")
	require.NoError(t, err)
	assert.Equal(t, "agent-42", rec.AgentSessionID)
	assert.Equal(t, v1.SessionStatusCompleted, rec.Status)
}

func TestWorkerResumesStoredSession(t *testing.T) {
	git := &fakeGit{}
	fa := &fakeAgent{events: []agent.Event{
		{Type: agent.EventTypeResult, Result: "resumed fine"},
	}}
	cfg := testConfig()
	env := startWorker(t, cfg, git, fa)

	_, err := env.store.UpsertConversation(context.Background(), &v1.ConversationRecord{
		SessionKey:     cfg.SessionKey,
		TenantID:       "W1",
		FromUserID:     "U1",
		AgentSessionID: "agent-old",
	})
	require.NoError(t, err)

	env.send(t, cfg, threadMessage())
	env.responses(t, 2)

	assert.Equal(t, "agent-old", fa.lastRun().ResumeSessionID)
}

func TestWorkerExplicitResumeWins(t *testing.T) {
	git := &fakeGit{}
	fa := &fakeAgent{events: []agent.Event{
		{Type: agent.EventTypeResult},
	}}
	cfg := testConfig()
	env := startWorker(t, cfg, git, fa)

	req := threadMessage()
	req.ClaudeOptions.ResumeSessionID = "agent-routed"
	env.send(t, cfg, req)
	env.responses(t, 2)

	assert.Equal(t, "agent-routed", fa.lastRun().ResumeSessionID)
}

func TestWorkerDefaultDoneText(t *testing.T) {
	git := &fakeGit{}
	fa := &fakeAgent{events: []agent.Event{
		{Type: agent.EventTypeResult},
	}}
	cfg := testConfig()
	env := startWorker(t, cfg, git, fa)

	env.send(t, cfg, threadMessage())
	responses := env.responses(t, 2)
	assert.Equal(t, defaultDoneText, responses[1].Content)
	assert.True(t, responses[1].IsDone)
}

func TestWorkerRendersTaskList(t *testing.T) {
	git := &fakeGit{}
	fa := &fakeAgent{events: []agent.Event{
		{Type: agent.EventTypeOutput, Tasks: []agent.Task{
			{Content: "scaffold project", Status: "completed"},
			{Content: "write tests", Status: "in_progress"},
		}},
		{Type: agent.EventTypeResult, Result: "ok"},
	}}
	cfg := testConfig()
	env := startWorker(t, cfg, git, fa)

	env.send(t, cfg, threadMessage())
	responses := env.responses(t, 3)
	assert.Contains(t, responses[1].Content, "Task list")
	assert.Contains(t, responses[1].Content, "scaffold project")
	assert.Contains(t, responses[1].Content, ":arrow_forward: write tests")
}

func TestWorkerAgentFailureCommitsAndRetries(t *testing.T) {
	git := &fakeGit{}
	fa := &fakeAgent{events: []agent.Event{
		{Type: agent.EventTypeOutput, Content: "half way"},
		{Type: agent.EventTypeResult, IsError: true, Result: "ran out of budget"},
	}}
	cfg := testConfig()
	env := startWorker(t, cfg, git, fa)

	req := threadMessage()
	opts := queue.DefaultSendOptions()
	opts.RetryLimit = 0
	_, err := env.q.Send(context.Background(), session.ThreadQueueName(cfg.DeploymentName), req, opts)
	require.NoError(t, err)

	// Partial work is committed and the failure is surfaced.
	var errResp *v1.ThreadResponse
	for _, resp := range env.responses(t, 3) {
		if resp.Error != "" {
			r := resp
			errResp = &r
		}
	}
	require.NotNil(t, errResp)
	assert.Contains(t, errResp.Error, "ran out of budget")
	assert.NotEmpty(t, git.Commits())

	require.Eventually(t, func() bool {
		size, err := env.q.GetQueueSize(context.Background(), session.ThreadQueueName(cfg.DeploymentName))
		return err == nil && size.Failed == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWorkerIdleSelfDelete(t *testing.T) {
	git := &fakeGit{}
	fa := &fakeAgent{events: []agent.Event{{Type: agent.EventTypeResult}}}
	cfg := testConfig()
	cfg.ExitOnIdle = 100 * time.Millisecond

	log := logger.Default()
	q := queue.NewMemoryQueue(log)
	t.Cleanup(q.Close)
	fc := clusterfake.NewClient()
	_, err := fc.CreateDeployment(context.Background(), &cluster.Deployment{
		Name: cfg.DeploymentName,
		Spec: cluster.DeploymentSpec{Replicas: 1, Image: "peerbot-worker:latest"},
	})
	require.NoError(t, err)

	w := New(cfg, q, store.NewMemoryStore(), git, fa, log).WithClusterClient(fc)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not exit on idle")
	}

	_, err = fc.GetDeployment(context.Background(), cfg.DeploymentName)
	assert.ErrorIs(t, err, cluster.ErrNotFound)
}

func TestLoadConfigRequiresIdentity(t *testing.T) {
	t.Setenv("SESSION_KEY", "slack.W1.C1.T1")
	t.Setenv("USER_ID", "U1")
	t.Setenv("DEPLOYMENT_NAME", "worker-x")
	t.Setenv("REPOSITORY_URL", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REPOSITORY_URL")

	t.Setenv("REPOSITORY_URL", "https://git.example.com/org/alice.git")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.ExitOnIdle)
	assert.Equal(t, "/workspace", cfg.WorkspacePath)
	assert.Equal(t, "claude", cfg.AgentCommand)
	assert.Equal(t, "alice@peerbot.local", Config{Username: "alice", GitBotEmailHost: "peerbot.local"}.BotEmail())
}
