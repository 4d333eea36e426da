// Package integration exercises the full message path with in-process
// implementations: chat event -> dispatcher -> ingress queue -> orchestrator
// -> thread queue -> worker -> response queue -> egress -> chat updates.
package integration

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerbot/peerbot/internal/chat"
	chatfake "github.com/peerbot/peerbot/internal/chat/fake"
	clusterfake "github.com/peerbot/peerbot/internal/cluster/fake"
	"github.com/peerbot/peerbot/internal/common/config"
	"github.com/peerbot/peerbot/internal/common/logger"
	"github.com/peerbot/peerbot/internal/credentials"
	"github.com/peerbot/peerbot/internal/dispatcher"
	"github.com/peerbot/peerbot/internal/githosting"
	"github.com/peerbot/peerbot/internal/orchestrator"
	"github.com/peerbot/peerbot/internal/queue"
	"github.com/peerbot/peerbot/internal/ratelimit"
	"github.com/peerbot/peerbot/internal/reconciler"
	"github.com/peerbot/peerbot/internal/session"
	"github.com/peerbot/peerbot/internal/store"
	"github.com/peerbot/peerbot/internal/worker"
	"github.com/peerbot/peerbot/internal/worker/agent"
	v1 "github.com/peerbot/peerbot/pkg/api/v1"
)

type noopProvisioner struct{}

func (noopProvisioner) CreateRole(context.Context, string, string) error { return nil }
func (noopProvisioner) DropRole(context.Context, string) error           { return nil }

type stubGit struct {
	mu      sync.Mutex
	commits []string
}

func (g *stubGit) Prepare(context.Context) error { return nil }

func (g *stubGit) StartAutoPush(context.Context) func() {
	var once sync.Once
	return func() { once.Do(func() {}) }
}

func (g *stubGit) CommitAndPush(_ context.Context, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commits = append(g.commits, message)
	return nil
}

func (g *stubGit) Branch() string { return "claude/slack-W1-C1-1700000000-000100" }
func (g *stubGit) Dir() string    { return "/workspace/alice" }

func (g *stubGit) Commits() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.commits...)
}

// stubAgent emits a fixed event stream and records each run's options.
type stubAgent struct {
	mu     sync.Mutex
	events []agent.Event
	runs   []agent.Options
}

func (a *stubAgent) Run(_ context.Context, _ string, opts agent.Options) (<-chan agent.Event, error) {
	a.mu.Lock()
	a.runs = append(a.runs, opts)
	a.mu.Unlock()

	ch := make(chan agent.Event, len(a.events))
	for _, e := range a.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (a *stubAgent) lastRun() agent.Options {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs[len(a.runs)-1]
}

func (a *stubAgent) runCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runs)
}

type env struct {
	chat    *chatfake.Client
	cluster *clusterfake.Client
	q       *queue.MemoryQueue
	store   *store.MemoryStore
	d       *dispatcher.Dispatcher
	egress  *dispatcher.Egress
	git     *stubGit
	agent   *stubAgent
}

func newEnv(t *testing.T) *env {
	t.Helper()

	log := logger.Default()
	fc := chatfake.NewClient()
	fcluster := clusterfake.NewClient()
	q := queue.NewMemoryQueue(log)
	t.Cleanup(q.Close)
	memStore := store.NewMemoryStore()

	limiter := ratelimit.NewLimiter(ratelimit.Config{MaxJobs: 10, Window: time.Minute}, log)
	t.Cleanup(limiter.Stop)

	resolver := githosting.NewCachedResolver(&githosting.StaticResolver{
		Template: "https://git.example.com/org/{username}.git",
	}, time.Minute, log)

	chatCfg := config.ChatConfig{BotUserID: "UBOT", BotID: "B1"}
	d := dispatcher.New(fc, q, limiter, resolver, memStore, session.NewTracker(log),
		chatCfg, config.DispatcherConfig{}, config.AgentConfig{}, log)

	creds := credentials.NewStore(fcluster, noopProvisioner{}, config.DatabaseConfig{
		Host: "db", Port: 5432, DBName: "peerbot", SSLMode: "disable",
	}, log)
	rec := reconciler.New(fcluster, creds,
		config.ClusterConfig{WorkerImage: "peerbot-worker:latest"},
		config.OrchestratorConfig{
			RecoveryIntervalMin: 5,
			OrphanMaxAgeMin:     60,
			IdleMinutes:         5,
			MonitorTimeoutMin:   10,
		},
		config.WorkerConfig{ExitOnIdleMinutes: 10, WorkspacePath: "/workspace"},
		8080,
		log)
	t.Cleanup(rec.Stop)

	consumer := orchestrator.NewConsumer(q, rec, memStore, config.OrchestratorConfig{
		TeamSize:        2,
		TeamConcurrency: 2,
	}, log)
	require.NoError(t, consumer.Start(context.Background()))
	t.Cleanup(consumer.Stop)

	egress := dispatcher.NewEgress(fc, q, 20, log)
	require.NoError(t, egress.Start(context.Background()))
	t.Cleanup(egress.Stop)

	return &env{
		chat:    fc,
		cluster: fcluster,
		q:       q,
		store:   memStore,
		d:       d,
		egress:  egress,
		git:     &stubGit{},
		agent: &stubAgent{events: []agent.Event{
			{Type: agent.EventTypeOutput, Content: "Working on it"},
			{Type: agent.EventTypeResult, SessionID: "agent-7", Result: "All done."},
		}},
	}
}

func topLevelEvent() chat.MessageEvent {
	return chat.MessageEvent{
		Platform:    "slack",
		WorkspaceID: "W1",
		ChannelID:   "C1",
		UserID:      "U1",
		Username:    "Alice",
		MessageID:   "1700000000.000100",
		Text:        "build me a widget",
	}
}

// startWorker launches a worker on the thread queue the orchestrator routed
// to; in production this process runs inside the worker deployment.
func (e *env) startWorker(t *testing.T, sessionKey string) {
	t.Helper()

	cfg := worker.Config{
		SessionKey:     sessionKey,
		UserID:         "U1",
		Username:       "alice",
		ChannelID:      "C1",
		ThreadTs:       "1700000000.000100",
		RepositoryURL:  "https://git.example.com/org/alice.git",
		DeploymentName: session.DeploymentName(sessionKey),
		AgentCommand:   "claude",
		ExitOnIdle:     time.Minute,
		WorkspacePath:  "/workspace",
	}
	w := worker.New(cfg, e.q, e.store, e.git, e.agent, logger.Default())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()
}

func (e *env) waitUpdateContaining(t *testing.T, substr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, u := range e.chat.Updates() {
			if strings.Contains(u.Text, substr) {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMessageRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	event := topLevelEvent()
	require.NoError(t, e.d.HandleEvent(ctx, event))

	// The placeholder is posted into the thread the message seeds.
	posted := e.chat.Posted()
	require.Len(t, posted, 1)
	assert.Equal(t, event.MessageID, posted[0].ThreadTs)

	// The orchestrator materializes the worker deployment.
	sessionKey := session.GenerateKey(event.Platform, event.WorkspaceID,
		event.ChannelID, event.UserID, event.MessageID, event.MessageID)
	name := session.DeploymentName(sessionKey)
	require.Eventually(t, func() bool {
		_, err := e.cluster.GetDeployment(ctx, name)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	e.startWorker(t, sessionKey)

	// Streamed output and the final result both land on the placeholder.
	e.waitUpdateContaining(t, "All done.")
	var target string
	for _, u := range e.chat.Updates() {
		assert.Equal(t, posted[0].Ts, u.Ts)
		target = u.Ts
	}
	require.NotEmpty(t, target)

	// Reaction lifecycle on the originating message: working, then success.
	require.Eventually(t, func() bool {
		var removedWorking, success bool
		for _, r := range e.chat.Reactions() {
			if r.Ts != event.MessageID {
				continue
			}
			if r.Name == v1.ReactionWorking && r.Removed {
				removedWorking = true
			}
			if r.Name == v1.ReactionSuccess && !r.Removed {
				success = true
			}
		}
		return removedWorking && success
	}, 5*time.Second, 20*time.Millisecond)

	// The session branch got the agent's edits.
	require.Eventually(t, func() bool { return len(e.git.Commits()) > 0 }, 5*time.Second, 20*time.Millisecond)

	// The conversation carries the agent session id for later resumes.
	id, err := e.store.GetAgentSessionID(ctx, sessionKey, event.WorkspaceID)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", id)
}

func TestThreadReplyResumesAgentSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	event := topLevelEvent()
	require.NoError(t, e.d.HandleEvent(ctx, event))

	sessionKey := session.GenerateKey(event.Platform, event.WorkspaceID,
		event.ChannelID, event.UserID, event.MessageID, event.MessageID)
	name := session.DeploymentName(sessionKey)
	require.Eventually(t, func() bool {
		_, err := e.cluster.GetDeployment(ctx, name)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	e.startWorker(t, sessionKey)
	e.waitUpdateContaining(t, "All done.")
	require.Eventually(t, func() bool {
		id, err := e.store.GetAgentSessionID(ctx, sessionKey, event.WorkspaceID)
		return err == nil && id == "agent-7"
	}, 5*time.Second, 20*time.Millisecond)

	// A reply in the same thread keys to the same session and resumes the
	// recorded agent session.
	reply := topLevelEvent()
	reply.ThreadID = event.MessageID
	reply.MessageID = "1700000000.000200"
	reply.Text = "now add dark mode"
	require.NoError(t, e.d.HandleEvent(ctx, reply))

	require.Eventually(t, func() bool { return e.agent.runCount() == 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "agent-7", e.agent.lastRun().ResumeSessionID)

	// Still a single deployment for the thread.
	deployments, err := e.cluster.ListDeployments(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, deployments, 1)
}
