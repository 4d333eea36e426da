package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerbot/peerbot/internal/cluster"
	"github.com/peerbot/peerbot/internal/cluster/fake"
	"github.com/peerbot/peerbot/internal/common/config"
	"github.com/peerbot/peerbot/internal/common/logger"
	"github.com/peerbot/peerbot/internal/credentials"
	"github.com/peerbot/peerbot/internal/session"
	"github.com/peerbot/peerbot/internal/store"
	v1 "github.com/peerbot/peerbot/pkg/api/v1"
)

type noopProvisioner struct{}

func (noopProvisioner) CreateRole(context.Context, string, string) error { return nil }
func (noopProvisioner) DropRole(context.Context, string) error           { return nil }

func testRequest() *v1.WorkerDeploymentRequest {
	return &v1.WorkerDeploymentRequest{
		UserID:      "U1",
		ThreadID:    "1700000000.000100",
		Platform:    "slack",
		MessageID:   "1700000000.000100",
		MessageText: "build me a widget",
		ChannelID:   "C1",
		Username:    "alice",
		Metadata: v1.PlatformMetadata{
			TeamID:        "W1",
			RepositoryURL: "https://github.example.com/org/alice",
		},
	}
}

func newTestReconciler(t *testing.T) (*Reconciler, *fake.Client) {
	t.Helper()

	old := recoveryScaleWait
	recoveryScaleWait = 10 * time.Millisecond
	t.Cleanup(func() { recoveryScaleWait = old })

	fc := fake.NewClient()
	creds := credentials.NewStore(fc, noopProvisioner{}, config.DatabaseConfig{
		Host: "db", Port: 5432, DBName: "peerbot", SSLMode: "disable",
	}, logger.Default())

	r := New(fc, creds,
		config.ClusterConfig{WorkerImage: "peerbot-worker:latest"},
		config.OrchestratorConfig{
			RecoveryIntervalMin: 5,
			OrphanMaxAgeMin:     60,
			IdleMinutes:         5,
			MonitorTimeoutMin:   10,
		},
		config.WorkerConfig{ExitOnIdleMinutes: 10, WorkspacePath: "/workspace"},
		8080,
		logger.Default())
	t.Cleanup(r.Stop)
	return r, fc
}

func sessionKeyFor(req *v1.WorkerDeploymentRequest) string {
	return session.GenerateKey(req.Platform, req.Metadata.TeamID, req.ChannelID,
		req.UserID, req.ThreadID, req.MessageID)
}

func TestEnsureWorkerDeploymentCreatesNew(t *testing.T) {
	r, fc := newTestReconciler(t)
	ctx := context.Background()

	req := testRequest()
	key := sessionKeyFor(req)

	name, err := r.EnsureWorkerDeployment(ctx, req, key)
	require.NoError(t, err)
	assert.Equal(t, session.DeploymentName(key), name)

	d, err := fc.GetDeployment(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Spec.Replicas)
	assert.Equal(t, key, d.Annotations[cluster.AnnotationSessionKey])
	assert.Equal(t, cluster.ComponentWorker, d.Labels[cluster.LabelComponent])

	// Env carries routing identity and the credentials secret reference.
	envNames := map[string]string{}
	for _, e := range d.Spec.Env {
		envNames[e.Name] = e.Value
	}
	assert.Equal(t, key, envNames["SESSION_KEY"])
	assert.Equal(t, "U1", envNames["USER_ID"])
	assert.Equal(t, name, envNames["DEPLOYMENT_NAME"])
	require.Len(t, d.Spec.EnvFrom, 1)
	assert.Equal(t, credentials.SecretName("alice"), d.Spec.EnvFrom[0].SecretName)

	// The per-user secret was provisioned as a side effect.
	_, err = fc.GetSecret(ctx, credentials.SecretName("alice"))
	require.NoError(t, err)
}

func TestEnsureWorkerDeploymentReusesExisting(t *testing.T) {
	r, fc := newTestReconciler(t)
	ctx := context.Background()

	req := testRequest()
	key := sessionKeyFor(req)

	first, err := r.EnsureWorkerDeployment(ctx, req, key)
	require.NoError(t, err)

	second, err := r.EnsureWorkerDeployment(ctx, req, key)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	all, err := fc.ListDeployments(ctx, cluster.Selector{})
	require.NoError(t, err)
	assert.Len(t, all, 1, "no duplicate deployment for the same session key")
}

func TestEnsureWorkerDeploymentScalesUpIdle(t *testing.T) {
	r, fc := newTestReconciler(t)
	ctx := context.Background()

	req := testRequest()
	key := sessionKeyFor(req)

	name, err := r.EnsureWorkerDeployment(ctx, req, key)
	require.NoError(t, err)

	_, err = fc.ScaleDeployment(ctx, name, 0)
	require.NoError(t, err)

	again, err := r.EnsureWorkerDeployment(ctx, req, key)
	require.NoError(t, err)
	assert.Equal(t, name, again)

	d, err := fc.GetDeployment(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Spec.Replicas)
}

func TestScaleDeploymentRetriesConflicts(t *testing.T) {
	r, fc := newTestReconciler(t)
	ctx := context.Background()

	req := testRequest()
	key := sessionKeyFor(req)
	name, err := r.EnsureWorkerDeployment(ctx, req, key)
	require.NoError(t, err)

	fc.ConflictsOnUpdate = 0 // ScaleDeployment on fake does not conflict; exercise the wrapper
	require.NoError(t, r.ScaleDeployment(ctx, name, 0))

	d, err := fc.GetDeployment(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Spec.Replicas)

	// Scaling to the current value is a no-op.
	require.NoError(t, r.ScaleDeployment(ctx, name, 0))
}

func TestScaleDeploymentNotFound(t *testing.T) {
	r, _ := newTestReconciler(t)

	err := r.ScaleDeployment(context.Background(), "worker-ghost", 1)
	assert.ErrorIs(t, err, cluster.ErrNotFound)
}

func TestScaleIdleDeployments(t *testing.T) {
	r, fc := newTestReconciler(t)
	ctx := context.Background()

	req := testRequest()
	key := sessionKeyFor(req)
	name, err := r.EnsureWorkerDeployment(ctx, req, key)
	require.NoError(t, err)

	// Fresh activity: not scaled down.
	r.ScaleIdleDeployments(ctx)
	d, err := fc.GetDeployment(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Spec.Replicas)

	// Age the activity record past the idle window.
	r.mu.Lock()
	r.lastActivity[name] = time.Now().Add(-10 * time.Minute)
	r.mu.Unlock()

	r.ScaleIdleDeployments(ctx)
	d, err = fc.GetDeployment(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Spec.Replicas)
}

func TestRecoverOrphansBouncesStalledDeployment(t *testing.T) {
	r, fc := newTestReconciler(t)
	ctx := context.Background()

	req := testRequest()
	key := sessionKeyFor(req)
	name, err := r.EnsureWorkerDeployment(ctx, req, key)
	require.NoError(t, err)

	// Simulate a deployment that never became ready and reports a stalled
	// progressing condition.
	fc.SetReady(name, 0)
	fc.SetCondition(name, cluster.Condition{
		Type:   cluster.ConditionProgressing,
		Status: false,
		Reason: "ImagePullBackOff",
	})

	r.RecoverOrphans(ctx)

	// First pass bounces the deployment back to one replica.
	d, err := fc.GetDeployment(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Spec.Replicas)
}

func TestRecoverOrphansDeletesRepeatOffender(t *testing.T) {
	r, fc := newTestReconciler(t)
	ctx := context.Background()

	req := testRequest()
	key := sessionKeyFor(req)
	name, err := r.EnsureWorkerDeployment(ctx, req, key)
	require.NoError(t, err)

	fc.ReadyOnCreate = false
	stall := func() {
		fc.SetReady(name, 0)
		fc.SetCondition(name, cluster.Condition{
			Type:   cluster.ConditionProgressing,
			Status: false,
			Reason: "CrashLoopBackOff",
		})
	}

	stall()
	r.RecoverOrphans(ctx)
	stall()
	r.RecoverOrphans(ctx)

	// Second failed recovery deletes the deployment; the fixed point is an
	// empty orphan set.
	_, err = fc.GetDeployment(ctx, name)
	assert.ErrorIs(t, err, cluster.ErrNotFound)

	r.RecoverOrphans(ctx)
}

func TestWorkerEnvSecretKeepsTokensOutOfManifest(t *testing.T) {
	r, fc := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, r.EnsureWorkerEnvSecret(ctx, map[string][]byte{
		"HOSTING_TOKEN": []byte("hosting-token"),
		"AGENT_TOKEN":   []byte("agent-token"),
		"CHAT_TOKEN":    []byte("chat-token"),
	}))
	r.SetExtraWorkerEnv([]cluster.EnvVar{
		{Name: "NATS_URL", Value: "nats://broker:4222"},
	})

	req := testRequest()
	key := sessionKeyFor(req)
	name, err := r.EnsureWorkerDeployment(ctx, req, key)
	require.NoError(t, err)

	d, err := fc.GetDeployment(ctx, name)
	require.NoError(t, err)

	// Tokens and database credentials never appear as plain manifest env.
	for _, e := range d.Spec.Env {
		assert.NotContains(t,
			[]string{"HOSTING_TOKEN", "AGENT_TOKEN", "CHAT_TOKEN", "DATABASE_URL"},
			e.Name)
	}

	// Shared env secret first, per-user secret last so its keys win.
	require.Len(t, d.Spec.EnvFrom, 2)
	assert.Equal(t, workerEnvSecretName, d.Spec.EnvFrom[0].SecretName)
	assert.Equal(t, credentials.SecretName("alice"), d.Spec.EnvFrom[1].SecretName)

	secret, err := fc.GetSecret(ctx, workerEnvSecretName)
	require.NoError(t, err)
	assert.Equal(t, []byte("hosting-token"), secret.Data["HOSTING_TOKEN"])
}

func TestEnsureWorkerEnvSecretUpdatesExisting(t *testing.T) {
	r, fc := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, r.EnsureWorkerEnvSecret(ctx,
		map[string][]byte{"AGENT_TOKEN": []byte("old")}))
	require.NoError(t, r.EnsureWorkerEnvSecret(ctx,
		map[string][]byte{"AGENT_TOKEN": []byte("new")}))

	secret, err := fc.GetSecret(ctx, workerEnvSecretName)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), secret.Data["AGENT_TOKEN"])
}

func TestRecoverOrphansDeletesDeploymentForFinishedConversation(t *testing.T) {
	r, fc := newTestReconciler(t)
	ctx := context.Background()

	st := store.NewMemoryStore()
	r.SetConversationStore(st)

	req := testRequest()
	key := sessionKeyFor(req)
	name, err := r.EnsureWorkerDeployment(ctx, req, key)
	require.NoError(t, err)

	_, err = st.UpsertConversation(ctx, &v1.ConversationRecord{
		SessionKey: key,
		TenantID:   req.Metadata.TeamID,
		FromUserID: req.UserID,
		Status:     v1.SessionStatusCompleted,
	})
	require.NoError(t, err)

	// Not ready and aged past the orphan ceiling, but the conversation is
	// done: cleanup, not a bounce.
	fc.SetReady(name, 0)
	fc.SetCreatedAt(name, time.Now().Add(-2*time.Hour))

	r.RecoverOrphans(ctx)

	_, err = fc.GetDeployment(ctx, name)
	assert.ErrorIs(t, err, cluster.ErrNotFound)
}

func TestRecoverOrphansBouncesWhileConversationActive(t *testing.T) {
	r, fc := newTestReconciler(t)
	ctx := context.Background()

	st := store.NewMemoryStore()
	r.SetConversationStore(st)

	req := testRequest()
	key := sessionKeyFor(req)
	name, err := r.EnsureWorkerDeployment(ctx, req, key)
	require.NoError(t, err)

	_, err = st.UpsertConversation(ctx, &v1.ConversationRecord{
		SessionKey: key,
		TenantID:   req.Metadata.TeamID,
		FromUserID: req.UserID,
		Status:     v1.SessionStatusRunning,
	})
	require.NoError(t, err)

	fc.SetReady(name, 0)
	fc.SetCreatedAt(name, time.Now().Add(-2*time.Hour))

	r.RecoverOrphans(ctx)

	// A live session keeps its deployment; recovery bounced it back to one.
	d, err := fc.GetDeployment(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Spec.Replicas)
}

func TestRecoverOrphansMarksConversationErroredOnCleanup(t *testing.T) {
	r, fc := newTestReconciler(t)
	ctx := context.Background()

	st := store.NewMemoryStore()
	r.SetConversationStore(st)

	req := testRequest()
	key := sessionKeyFor(req)
	name, err := r.EnsureWorkerDeployment(ctx, req, key)
	require.NoError(t, err)

	_, err = st.UpsertConversation(ctx, &v1.ConversationRecord{
		SessionKey: key,
		TenantID:   req.Metadata.TeamID,
		FromUserID: req.UserID,
		Status:     v1.SessionStatusRunning,
	})
	require.NoError(t, err)

	fc.ReadyOnCreate = false
	stall := func() {
		fc.SetReady(name, 0)
		fc.SetCondition(name, cluster.Condition{
			Type:   cluster.ConditionProgressing,
			Status: false,
			Reason: "CrashLoopBackOff",
		})
	}

	stall()
	r.RecoverOrphans(ctx)
	stall()
	r.RecoverOrphans(ctx)

	_, err = fc.GetDeployment(ctx, name)
	assert.ErrorIs(t, err, cluster.ErrNotFound)

	rec, err := st.GetConversation(ctx, key, req.Metadata.TeamID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusError, rec.Status)
}

func TestRecoverOrphansIgnoresHealthyAndScaledDown(t *testing.T) {
	r, fc := newTestReconciler(t)
	ctx := context.Background()

	req := testRequest()
	key := sessionKeyFor(req)
	name, err := r.EnsureWorkerDeployment(ctx, req, key)
	require.NoError(t, err)

	r.RecoverOrphans(ctx)
	d, err := fc.GetDeployment(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Spec.Replicas)

	// Scaled-down deployments are left alone.
	require.NoError(t, r.ScaleDeployment(ctx, name, 0))
	r.RecoverOrphans(ctx)
	d, err = fc.GetDeployment(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Spec.Replicas)
}
