// Package reconciler converges per-thread worker deployments toward the
// state the message flow demands: one deployment per session key, scaled to
// one while messages arrive and to zero when the thread goes idle.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peerbot/peerbot/internal/cluster"
	"github.com/peerbot/peerbot/internal/common/config"
	apperrors "github.com/peerbot/peerbot/internal/common/errors"
	"github.com/peerbot/peerbot/internal/common/logger"
	"github.com/peerbot/peerbot/internal/credentials"
	"github.com/peerbot/peerbot/internal/session"
	v1 "github.com/peerbot/peerbot/pkg/api/v1"
)

const (
	monitorPollInterval = 10 * time.Second
	conflictRetries     = 3
)

// recoveryScaleWait is the settle time between the scale-down and scale-up of
// an orphan bounce. Variable so tests can shorten it.
var recoveryScaleWait = 5 * time.Second

// workerEnvSecretName holds process-wide worker settings (tokens) shared by
// every worker deployment.
const workerEnvSecretName = "peerbot-worker-env"

// ConversationStatuses is the slice of the conversation store orphan recovery
// consults to tell live sessions from finished ones.
type ConversationStatuses interface {
	GetConversation(ctx context.Context, sessionKey, tenantID string) (*v1.ConversationRecord, error)
	SetStatus(ctx context.Context, sessionKey, tenantID string, status v1.SessionStatus) error
}

// Reconciler manages worker deployments on behalf of the orchestrator.
type Reconciler struct {
	clusterClient cluster.Client
	creds         *credentials.Store
	clusterCfg    config.ClusterConfig
	cfg           config.OrchestratorConfig
	workerCfg     config.WorkerConfig
	serverPort    int
	extraEnv      []cluster.EnvVar
	envSecret     string
	convs         ConversationStatuses
	logger        *logger.Logger

	// lastActivity is the authoritative idle clock while this process runs.
	// The creation-time annotation only seeds it after a restart.
	lastActivity map[string]time.Time
	failCounts   map[string]int
	mu           sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a reconciler. Call Start to launch the background loops.
func New(clusterClient cluster.Client, creds *credentials.Store, clusterCfg config.ClusterConfig, cfg config.OrchestratorConfig, workerCfg config.WorkerConfig, serverPort int, log *logger.Logger) *Reconciler {
	return &Reconciler{
		clusterClient: clusterClient,
		creds:         creds,
		clusterCfg:    clusterCfg,
		cfg:           cfg,
		workerCfg:     workerCfg,
		serverPort:    serverPort,
		logger:        log.WithFields(zap.String("component", "reconciler")),
		lastActivity:  make(map[string]time.Time),
		failCounts:    make(map[string]int),
		stopCh:        make(chan struct{}),
	}
}

// SetExtraWorkerEnv appends environment variables to every worker deployment
// manifest. Used for process-wide settings (queue URL, tokens) that are not
// part of the per-session identity. Call before Start.
func (r *Reconciler) SetExtraWorkerEnv(env []cluster.EnvVar) {
	r.extraEnv = env
}

// SetConversationStore wires the conversation store into orphan recovery.
// Without it recovery falls back to bouncing every stalled deployment.
// Call before Start.
func (r *Reconciler) SetConversationStore(convs ConversationStatuses) {
	r.convs = convs
}

// EnsureWorkerEnvSecret stores shared worker settings in a cluster secret
// referenced by every worker deployment, so tokens never appear as plain
// manifest env. Call before Start.
func (r *Reconciler) EnsureWorkerEnvSecret(ctx context.Context, data map[string][]byte) error {
	secret := &cluster.Secret{
		Name: workerEnvSecretName,
		Labels: map[string]string{
			cluster.LabelApp:       "peerbot",
			cluster.LabelComponent: cluster.ComponentWorker,
		},
		Data: data,
	}

	existing, err := r.clusterClient.GetSecret(ctx, workerEnvSecretName)
	switch {
	case err == nil:
		secret.ResourceVersion = existing.ResourceVersion
		if _, err := r.clusterClient.UpdateSecret(ctx, secret); err != nil {
			return apperrors.Transient("failed to update worker env secret", err)
		}
	case errors.Is(err, cluster.ErrNotFound):
		if _, err := r.clusterClient.CreateSecret(ctx, secret); err != nil {
			return apperrors.Transient("failed to create worker env secret", err)
		}
	default:
		return apperrors.Transient("failed to read worker env secret", err)
	}

	r.envSecret = workerEnvSecretName
	return nil
}

// Start launches the orphan recovery and idle scaling loops.
func (r *Reconciler) Start() {
	r.wg.Add(2)
	go r.recoveryLoop()
	go r.idleLoop()
}

// Stop terminates the background loops and waits for them.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// workerSelector matches all worker deployments owned by this system.
func workerSelector() cluster.Selector {
	return cluster.Selector{
		cluster.LabelApp:       "peerbot",
		cluster.LabelComponent: cluster.ComponentWorker,
	}
}

// EnsureWorkerDeployment returns the name of a deployment serving the
// session, creating it when none exists. The caller owns queue creation.
func (r *Reconciler) EnsureWorkerDeployment(ctx context.Context, req *v1.WorkerDeploymentRequest, sessionKey string) (string, error) {
	name := session.DeploymentName(sessionKey)
	safeKey := session.SafeName(sessionKey)

	selector := workerSelector()
	selector[cluster.LabelSessionKey] = safeKey
	existing, err := r.clusterClient.ListDeployments(ctx, selector)
	if err != nil {
		return "", apperrors.Transient("failed to list worker deployments", err)
	}
	for _, d := range existing {
		// Labels are truncated/safe names; only the annotation carries the
		// raw key, so it decides ownership.
		if d.Annotations[cluster.AnnotationSessionKey] == sessionKey {
			r.Touch(d.Name)
			if d.Spec.Replicas == 0 {
				if _, err := r.scaleWithRetry(ctx, d.Name, 1); err != nil {
					return "", err
				}
			}
			return d.Name, nil
		}
	}

	creds, err := r.creds.EnsureUserCredentials(ctx, req.Username)
	if err != nil {
		return "", err
	}

	deployment := r.buildDeployment(name, sessionKey, req, creds)
	created, err := r.clusterClient.CreateDeployment(ctx, deployment)
	if err != nil {
		if errors.Is(err, cluster.ErrAlreadyExists) {
			// Lost a race; adopt the winner.
			winner, getErr := r.clusterClient.GetDeployment(ctx, name)
			if getErr != nil {
				return "", apperrors.Transient("failed to adopt racing deployment", getErr)
			}
			r.Touch(winner.Name)
			return winner.Name, nil
		}
		return "", apperrors.Transient("failed to create worker deployment", err)
	}

	r.Touch(created.Name)
	r.wg.Add(1)
	go r.monitor(created.Name, sessionKey)

	r.logger.Info("worker deployment created",
		zap.String("deployment", created.Name),
		zap.String("session_key", sessionKey))
	return created.Name, nil
}

// buildDeployment constructs the worker manifest: plain env for routing
// identity, secret-sourced env for credentials.
func (r *Reconciler) buildDeployment(name, sessionKey string, req *v1.WorkerDeploymentRequest, creds *credentials.UserCredentials) *cluster.Deployment {
	safeKey := session.SafeName(sessionKey)
	env := []cluster.EnvVar{
		{Name: "SESSION_KEY", Value: sessionKey},
		{Name: "USER_ID", Value: req.UserID},
		{Name: "USERNAME", Value: req.Username},
		{Name: "CHANNEL_ID", Value: req.ChannelID},
		{Name: "THREAD_TS", Value: req.ThreadID},
		{Name: "REPOSITORY_URL", Value: req.Metadata.RepositoryURL},
		{Name: "DEPLOYMENT_NAME", Value: name},
		{Name: "EXIT_ON_IDLE_MINUTES", Value: strconv.Itoa(r.workerCfg.ExitOnIdleMinutes)},
		{Name: "WORKSPACE_PATH", Value: r.workerCfg.WorkspacePath},
		{Name: "PEERBOT_SERVER_PORT", Value: strconv.Itoa(r.serverPort)},
	}
	env = append(env, r.extraEnv...)

	// The per-user secret comes last so its keys (DATABASE_URL) win over the
	// shared worker env secret on collision.
	envFrom := make([]cluster.SecretRef, 0, 2)
	if r.envSecret != "" {
		envFrom = append(envFrom, cluster.SecretRef{SecretName: r.envSecret})
	}
	envFrom = append(envFrom, cluster.SecretRef{SecretName: creds.SecretName})

	return &cluster.Deployment{
		Name: name,
		Labels: map[string]string{
			cluster.LabelApp:        "peerbot",
			cluster.LabelComponent:  cluster.ComponentWorker,
			cluster.LabelSessionKey: safeKey,
			cluster.LabelUserID:     session.SafeName(req.UserID),
		},
		Annotations: map[string]string{
			cluster.AnnotationSessionKey:   sessionKey,
			cluster.AnnotationTenant:       req.Metadata.TeamID,
			cluster.AnnotationThreadID:     req.ThreadID,
			cluster.AnnotationChannelID:    req.ChannelID,
			cluster.AnnotationRepository:   req.Metadata.RepositoryURL,
			cluster.AnnotationLastActivity: time.Now().UTC().Format(time.RFC3339),
		},
		Spec: cluster.DeploymentSpec{
			Replicas: 1,
			Image:    r.clusterCfg.WorkerImage,
			Env:      env,
			EnvFrom:  envFrom,
		},
	}
}

// monitor polls the deployment until ready, failed, or the ceiling elapses.
// After the ceiling the deployment persists for orphan recovery to judge.
func (r *Reconciler) monitor(name, sessionKey string) {
	defer r.wg.Done()

	timeout := time.Duration(r.cfg.MonitorTimeoutMin) * time.Minute
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(monitorPollInterval)
	defer ticker.Stop()

	log := r.logger.WithFields(
		zap.String("deployment", name),
		zap.String("session_key", sessionKey))

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), monitorPollInterval)
		d, err := r.clusterClient.GetDeployment(ctx, name)
		cancel()
		if err != nil {
			if errors.Is(err, cluster.ErrNotFound) {
				log.Debug("deployment disappeared during monitoring")
				return
			}
			log.Warn("monitor poll failed", zap.Error(err))
			continue
		}

		if d.Status.ReadyReplicas > 0 {
			log.Info("worker deployment ready")
			return
		}
		if cond, ok := d.Condition(cluster.ConditionProgressing); ok && !cond.Status {
			log.Warn("worker deployment failed to progress",
				zap.String("reason", cond.Reason))
			return
		}
		if cond, ok := d.Condition(cluster.ConditionFailure); ok && cond.Status {
			log.Warn("worker deployment reported failure",
				zap.String("reason", cond.Reason),
				zap.String("message", cond.Message))
			return
		}

		if time.Now().After(deadline) {
			log.Warn("monitoring ceiling reached, leaving deployment for orphan recovery")
			return
		}
	}
}

// ScaleDeployment sets the replica count, retrying version conflicts.
func (r *Reconciler) ScaleDeployment(ctx context.Context, name string, replicas int) error {
	_, err := r.scaleWithRetry(ctx, name, replicas)
	return err
}

func (r *Reconciler) scaleWithRetry(ctx context.Context, name string, replicas int) (*cluster.Deployment, error) {
	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		d, err := r.clusterClient.GetDeployment(ctx, name)
		if err != nil {
			if errors.Is(err, cluster.ErrNotFound) {
				return nil, err
			}
			return nil, apperrors.Transient("failed to read deployment for scaling", err)
		}
		if d.Spec.Replicas == replicas {
			return d, nil
		}

		scaled, err := r.clusterClient.ScaleDeployment(ctx, name, replicas)
		if err == nil {
			r.logger.Info("deployment scaled",
				zap.String("deployment", name),
				zap.Int("replicas", replicas))
			return scaled, nil
		}
		if errors.Is(err, cluster.ErrConflict) {
			// The loser re-reads and tries again; the winner's state may
			// already satisfy us on the next pass.
			lastErr = err
			continue
		}
		if errors.Is(err, cluster.ErrNotFound) {
			return nil, err
		}
		return nil, apperrors.Transient("failed to scale deployment", err)
	}
	return nil, apperrors.Transient("deployment scaling kept conflicting", lastErr)
}

// DeleteDeployment removes the worker deployment and its tracking state.
func (r *Reconciler) DeleteDeployment(ctx context.Context, name string) error {
	err := r.clusterClient.DeleteDeployment(ctx, name)
	if err != nil && !errors.Is(err, cluster.ErrNotFound) {
		return apperrors.Transient("failed to delete deployment", err)
	}

	r.mu.Lock()
	delete(r.lastActivity, name)
	delete(r.failCounts, name)
	r.mu.Unlock()

	r.logger.Info("deployment deleted", zap.String("deployment", name))
	return nil
}

// Touch records message activity for a deployment. Called whenever a message
// is routed to it.
func (r *Reconciler) Touch(name string) {
	r.mu.Lock()
	r.lastActivity[name] = time.Now()
	r.mu.Unlock()
}

// recoveryLoop periodically reconciles orphaned deployments.
func (r *Reconciler) recoveryLoop() {
	defer r.wg.Done()

	interval := time.Duration(r.cfg.RecoveryIntervalMin) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			r.RecoverOrphans(ctx)
			cancel()
		}
	}
}

// RecoverOrphans classifies every worker deployment and recovers or removes
// the broken ones. Running it repeatedly reaches a fixed point.
func (r *Reconciler) RecoverOrphans(ctx context.Context) {
	deployments, err := r.clusterClient.ListDeployments(ctx, workerSelector())
	if err != nil {
		r.logger.Error("orphan recovery: failed to list deployments", zap.Error(err))
		return
	}

	maxAge := time.Duration(r.cfg.OrphanMaxAgeMin) * time.Minute
	for _, d := range deployments {
		r.classifyAndRecover(ctx, d, maxAge)
	}
}

func (r *Reconciler) classifyAndRecover(ctx context.Context, d *cluster.Deployment, maxAge time.Duration) {
	log := r.logger.WithFields(zap.String("deployment", d.Name))

	// Scaled-down deployments are healthy by definition; the idle scaler put
	// them there.
	if d.Spec.Replicas == 0 {
		return
	}
	if d.Status.ReadyReplicas > 0 {
		r.mu.Lock()
		delete(r.failCounts, d.Name)
		r.mu.Unlock()
		return
	}

	age := time.Since(d.CreatedAt)
	progressingStalled := false
	if cond, ok := d.Condition(cluster.ConditionProgressing); ok && !cond.Status {
		progressingStalled = true
	}
	if cond, ok := d.Condition(cluster.ConditionFailure); ok && cond.Status {
		progressingStalled = true
	}

	if !progressingStalled && age < maxAge {
		return
	}

	// A stuck deployment only deserves a bounce while its conversation is
	// still live. Finished or vanished conversations get cleaned up instead.
	if !r.sessionActive(ctx, d) {
		log.Info("removing deployment for finished conversation",
			zap.Duration("age", age))
		if err := r.DeleteDeployment(ctx, d.Name); err != nil {
			log.Error("orphan cleanup failed", zap.Error(err))
		}
		return
	}

	r.mu.Lock()
	r.failCounts[d.Name]++
	failures := r.failCounts[d.Name]
	r.mu.Unlock()

	if failures > 1 {
		log.Warn("orphan recovery failed before, cleaning up",
			zap.Int("failures", failures))
		if err := r.DeleteDeployment(ctx, d.Name); err != nil {
			log.Error("orphan cleanup failed", zap.Error(err))
		}
		r.markConversationErrored(ctx, d, log)
		return
	}

	log.Info("recovering orphaned deployment",
		zap.Duration("age", age),
		zap.Bool("progress_stalled", progressingStalled))

	// Bounce: scale to 0, wait, scale back to 1.
	if err := r.ScaleDeployment(ctx, d.Name, 0); err != nil {
		log.Error("orphan recovery scale-down failed", zap.Error(err))
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-r.stopCh:
		return
	case <-time.After(recoveryScaleWait):
	}
	if err := r.ScaleDeployment(ctx, d.Name, 1); err != nil {
		log.Error("orphan recovery scale-up failed", zap.Error(err))
	}
}

// sessionActive reports whether the deployment's conversation is still live.
// An unwired store or a transient read error counts as active; deleting on
// doubt would drop a running session.
func (r *Reconciler) sessionActive(ctx context.Context, d *cluster.Deployment) bool {
	if r.convs == nil {
		return true
	}
	sessionKey := d.Annotations[cluster.AnnotationSessionKey]
	tenantID := d.Annotations[cluster.AnnotationTenant]
	if sessionKey == "" {
		return true
	}
	rec, err := r.convs.GetConversation(ctx, sessionKey, tenantID)
	if err != nil {
		return !apperrors.IsNotFound(err)
	}
	return !rec.Status.IsTerminal()
}

// markConversationErrored records that recovery gave up on the session, so
// the conversation does not stay enqueued forever.
func (r *Reconciler) markConversationErrored(ctx context.Context, d *cluster.Deployment, log *logger.Logger) {
	if r.convs == nil {
		return
	}
	sessionKey := d.Annotations[cluster.AnnotationSessionKey]
	tenantID := d.Annotations[cluster.AnnotationTenant]
	if sessionKey == "" {
		return
	}
	err := r.convs.SetStatus(ctx, sessionKey, tenantID, v1.SessionStatusError)
	if err != nil && !apperrors.IsNotFound(err) {
		log.Warn("failed to mark conversation errored", zap.Error(err))
	}
}

// idleLoop scales deployments to zero when no message arrived within the
// idle window.
func (r *Reconciler) idleLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			r.ScaleIdleDeployments(ctx)
			cancel()
		}
	}
}

// ScaleIdleDeployments scales every tracked deployment past the idle window
// down to zero replicas.
func (r *Reconciler) ScaleIdleDeployments(ctx context.Context) {
	idle := time.Duration(r.cfg.IdleMinutes) * time.Minute

	deployments, err := r.clusterClient.ListDeployments(ctx, workerSelector())
	if err != nil {
		r.logger.Error("idle scan: failed to list deployments", zap.Error(err))
		return
	}

	now := time.Now()
	for _, d := range deployments {
		if d.Spec.Replicas == 0 {
			continue
		}

		r.mu.Lock()
		last, tracked := r.lastActivity[d.Name]
		r.mu.Unlock()
		if !tracked {
			// Unknown to this process (restart); fall back to the annotation.
			if ts, ok := d.Annotations[cluster.AnnotationLastActivity]; ok {
				if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
					last = parsed
				}
			}
			if last.IsZero() {
				last = d.CreatedAt
			}
		}

		if now.Sub(last) < idle {
			continue
		}

		r.logger.Info("scaling idle deployment to zero",
			zap.String("deployment", d.Name),
			zap.Duration("idle", now.Sub(last)))
		if err := r.ScaleDeployment(ctx, d.Name, 0); err != nil {
			r.logger.Error("idle scale-down failed",
				zap.String("deployment", d.Name),
				zap.Error(err))
		}
	}
}

// Describe returns a one-line summary for status endpoints.
func (r *Reconciler) Describe(ctx context.Context) (string, error) {
	deployments, err := r.clusterClient.ListDeployments(ctx, workerSelector())
	if err != nil {
		return "", err
	}
	running := 0
	for _, d := range deployments {
		if d.Spec.Replicas > 0 {
			running++
		}
	}
	return fmt.Sprintf("%d deployments (%d running)", len(deployments), running), nil
}
