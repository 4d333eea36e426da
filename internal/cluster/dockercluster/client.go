// Package dockercluster implements the cluster contract on a single Docker
// host. A deployment is a labeled container plus a JSON spec file; scaling to
// zero removes the container but keeps the spec, so the deployment survives
// idle periods. Secrets are files readable only by the orchestrator user.
package dockercluster

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/peerbot/peerbot/internal/cluster"
	"github.com/peerbot/peerbot/internal/common/config"
	"github.com/peerbot/peerbot/internal/common/logger"
)

const stopTimeout = 30 * time.Second

// Client implements cluster.Client on the Docker SDK.
type Client struct {
	cli    *client.Client
	cfg    config.ClusterConfig
	logger *logger.Logger

	// One mutex guards the spec files; the orchestrator is the only writer
	// on a host, but resource version checks still need read-modify-write
	// atomicity.
	mu sync.Mutex
}

// NewClient creates a Docker-backed cluster client.
func NewClient(cfg config.ClusterConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	for _, dir := range []string{cfg.StatePath, cfg.SecretsPath} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}

	log.Info("docker cluster client created",
		zap.String("host", cfg.Host),
		zap.String("state_path", cfg.StatePath))

	return &Client{
		cli:    cli,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "docker-cluster")),
	}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// --- deployments ---

func (c *Client) deploymentPath(name string) string {
	return filepath.Join(c.cfg.StatePath, name+".json")
}

func (c *Client) containerName(deployment string) string {
	return c.cfg.Namespace + "-" + deployment
}

func (c *Client) readDeployment(name string) (*cluster.Deployment, error) {
	data, err := os.ReadFile(c.deploymentPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cluster.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read deployment %s: %w", name, err)
	}
	var d cluster.Deployment
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode deployment %s: %w", name, err)
	}
	return &d, nil
}

func (c *Client) writeDeployment(d *cluster.Deployment) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode deployment %s: %w", d.Name, err)
	}
	if err := os.WriteFile(c.deploymentPath(d.Name), data, 0o600); err != nil {
		return fmt.Errorf("failed to write deployment %s: %w", d.Name, err)
	}
	return nil
}

func bumpVersion(v string) string {
	n, _ := strconv.ParseInt(v, 10, 64)
	return strconv.FormatInt(n+1, 10)
}

// GetDeployment returns the deployment with live status from Docker.
func (c *Client) GetDeployment(ctx context.Context, name string) (*cluster.Deployment, error) {
	c.mu.Lock()
	d, err := c.readDeployment(name)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.fillStatus(ctx, d)
	return d, nil
}

// ListDeployments returns deployments matching the selector.
func (c *Client) ListDeployments(ctx context.Context, selector cluster.Selector) ([]*cluster.Deployment, error) {
	c.mu.Lock()
	entries, err := os.ReadDir(c.cfg.StatePath)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	var result []*cluster.Deployment
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		c.mu.Lock()
		d, err := c.readDeployment(name)
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("skipping unreadable deployment",
				zap.String("name", name), zap.Error(err))
			continue
		}
		if !selector.Matches(d.Labels) {
			continue
		}
		c.fillStatus(ctx, d)
		result = append(result, d)
	}
	return result, nil
}

// CreateDeployment persists the spec and starts the container when replicas
// is non-zero.
func (c *Client) CreateDeployment(ctx context.Context, d *cluster.Deployment) (*cluster.Deployment, error) {
	c.mu.Lock()
	if _, err := c.readDeployment(d.Name); err == nil {
		c.mu.Unlock()
		return nil, cluster.ErrAlreadyExists
	}

	created := *d
	created.ResourceVersion = "1"
	created.CreatedAt = time.Now()
	if err := c.writeDeployment(&created); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	if created.Spec.Replicas > 0 {
		if err := c.ensureContainer(ctx, &created); err != nil {
			c.setFailureCondition(&created, "ContainerStartFailed", err)
		}
	}
	c.fillStatus(ctx, &created)

	c.logger.Info("deployment created",
		zap.String("name", created.Name),
		zap.Int("replicas", created.Spec.Replicas))
	return &created, nil
}

// UpdateDeployment applies a full update guarded by the resource version.
func (c *Client) UpdateDeployment(ctx context.Context, d *cluster.Deployment) (*cluster.Deployment, error) {
	c.mu.Lock()
	current, err := c.readDeployment(d.Name)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if current.ResourceVersion != d.ResourceVersion {
		c.mu.Unlock()
		return nil, cluster.ErrConflict
	}

	updated := *d
	updated.ResourceVersion = bumpVersion(current.ResourceVersion)
	updated.CreatedAt = current.CreatedAt
	if err := c.writeDeployment(&updated); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	if err := c.reconcileContainer(ctx, &updated); err != nil {
		c.setFailureCondition(&updated, "ContainerReconcileFailed", err)
	}
	c.fillStatus(ctx, &updated)
	return &updated, nil
}

// ScaleDeployment sets the replica count (0 or 1) and converges the container.
func (c *Client) ScaleDeployment(ctx context.Context, name string, replicas int) (*cluster.Deployment, error) {
	c.mu.Lock()
	d, err := c.readDeployment(name)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	d.Spec.Replicas = replicas
	d.ResourceVersion = bumpVersion(d.ResourceVersion)
	if err := c.writeDeployment(d); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	if err := c.reconcileContainer(ctx, d); err != nil {
		c.setFailureCondition(d, "ContainerReconcileFailed", err)
	}
	c.fillStatus(ctx, d)

	c.logger.Info("deployment scaled",
		zap.String("name", name),
		zap.Int("replicas", replicas))
	return d, nil
}

// DeleteDeployment removes the container and the spec.
func (c *Client) DeleteDeployment(ctx context.Context, name string) error {
	c.mu.Lock()
	_, err := c.readDeployment(name)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if err := c.removeContainer(ctx, name); err != nil {
		c.logger.Warn("failed to remove container during deployment delete",
			zap.String("name", name), zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(c.deploymentPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete deployment %s: %w", name, err)
	}

	c.logger.Info("deployment deleted", zap.String("name", name))
	return nil
}

// reconcileContainer converges the container to the declared replica count.
func (c *Client) reconcileContainer(ctx context.Context, d *cluster.Deployment) error {
	if d.Spec.Replicas > 0 {
		return c.ensureContainer(ctx, d)
	}
	return c.removeContainer(ctx, d.Name)
}

// ensureContainer starts the deployment's container if it is not running.
func (c *Client) ensureContainer(ctx context.Context, d *cluster.Deployment) error {
	name := c.containerName(d.Name)

	inspect, err := c.cli.ContainerInspect(ctx, name)
	if err == nil {
		if inspect.State != nil && inspect.State.Running {
			return nil
		}
		// Stale stopped container; replace it so env changes take effect.
		if err := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("failed to remove stale container %s: %w", name, err)
		}
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	env, err := c.resolveEnv(d)
	if err != nil {
		return err
	}

	labels := map[string]string{}
	for k, v := range d.Labels {
		labels[k] = v
	}

	containerCfg := &container.Config{
		Image:  d.Spec.Image,
		Cmd:    d.Spec.Command,
		Env:    env,
		Labels: labels,
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(c.cfg.DefaultNetwork),
		Resources: container.Resources{
			Memory:   c.cfg.MemoryLimitMB * 1024 * 1024,
			NanoCPUs: int64(c.cfg.CPUCores * 1e9),
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			// Image missing locally; pull and retry once.
			if pullErr := c.pullImage(ctx, d.Spec.Image); pullErr != nil {
				return pullErr
			}
			resp, err = c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
		}
		if err != nil {
			return fmt.Errorf("failed to create container %s: %w", name, err)
		}
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}

	c.logger.Info("container started",
		zap.String("deployment", d.Name),
		zap.String("container_id", resp.ID))
	return nil
}

func (c *Client) pullImage(ctx context.Context, imageName string) error {
	c.logger.Info("pulling image", zap.String("image", imageName))

	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	// Drain the output to ensure the image is fully pulled.
	buf := make([]byte, 4096)
	for {
		if _, err := reader.Read(buf); err != nil {
			break
		}
	}
	return nil
}

func (c *Client) removeContainer(ctx context.Context, deployment string) error {
	name := c.containerName(deployment)

	_, err := c.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	timeoutSeconds := int(stopTimeout.Seconds())
	if err := c.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		c.logger.Warn("failed to stop container, forcing removal",
			zap.String("container", name), zap.Error(err))
	}

	if err := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}

	c.logger.Info("container removed", zap.String("deployment", deployment))
	return nil
}

// resolveEnv flattens literal env vars and referenced secrets into the
// environment passed to the container.
func (c *Client) resolveEnv(d *cluster.Deployment) ([]string, error) {
	var env []string
	for _, e := range d.Spec.Env {
		env = append(env, e.Name+"="+e.Value)
	}
	for _, ref := range d.Spec.EnvFrom {
		secret, err := c.readSecret(ref.SecretName)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve secret %s for deployment %s: %w", ref.SecretName, d.Name, err)
		}
		for k, v := range secret.Data {
			env = append(env, k+"="+string(v))
		}
	}
	return env, nil
}

// fillStatus populates observed state from Docker.
func (c *Client) fillStatus(ctx context.Context, d *cluster.Deployment) {
	inspect, err := c.cli.ContainerInspect(ctx, c.containerName(d.Name))
	if err != nil {
		d.Status.ReadyReplicas = 0
		return
	}

	if inspect.State != nil && inspect.State.Running {
		d.Status.ReadyReplicas = 1
		c.setCondition(d, cluster.Condition{
			Type:               cluster.ConditionAvailable,
			Status:             true,
			Reason:             "ContainerRunning",
			LastTransitionTime: time.Now(),
		})
		return
	}

	d.Status.ReadyReplicas = 0
	if inspect.State != nil && inspect.State.ExitCode != 0 && d.Spec.Replicas > 0 {
		c.setCondition(d, cluster.Condition{
			Type:               cluster.ConditionFailure,
			Status:             true,
			Reason:             "ContainerExited",
			Message:            fmt.Sprintf("container exited with code %d", inspect.State.ExitCode),
			LastTransitionTime: time.Now(),
		})
	}
}

func (c *Client) setFailureCondition(d *cluster.Deployment, reason string, err error) {
	c.setCondition(d, cluster.Condition{
		Type:               cluster.ConditionFailure,
		Status:             true,
		Reason:             reason,
		Message:            err.Error(),
		LastTransitionTime: time.Now(),
	})
}

func (c *Client) setCondition(d *cluster.Deployment, cond cluster.Condition) {
	for i, existing := range d.Status.Conditions {
		if existing.Type == cond.Type {
			d.Status.Conditions[i] = cond
			return
		}
	}
	d.Status.Conditions = append(d.Status.Conditions, cond)
}

// --- secrets ---

func (c *Client) secretPath(name string) string {
	return filepath.Join(c.cfg.SecretsPath, name+".json")
}

func (c *Client) readSecret(name string) (*cluster.Secret, error) {
	data, err := os.ReadFile(c.secretPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cluster.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read secret %s: %w", name, err)
	}
	var s cluster.Secret
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode secret %s: %w", name, err)
	}
	return &s, nil
}

func (c *Client) writeSecret(s *cluster.Secret) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode secret %s: %w", s.Name, err)
	}
	if err := os.WriteFile(c.secretPath(s.Name), data, 0o600); err != nil {
		return fmt.Errorf("failed to write secret %s: %w", s.Name, err)
	}
	return nil
}

// GetSecret returns the named secret.
func (c *Client) GetSecret(_ context.Context, name string) (*cluster.Secret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readSecret(name)
}

// ListSecrets returns secrets matching the selector.
func (c *Client) ListSecrets(_ context.Context, selector cluster.Selector) ([]*cluster.Secret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.cfg.SecretsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}

	var result []*cluster.Secret
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		s, err := c.readSecret(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if selector.Matches(s.Labels) {
			result = append(result, s)
		}
	}
	return result, nil
}

// CreateSecret persists a new secret.
func (c *Client) CreateSecret(_ context.Context, s *cluster.Secret) (*cluster.Secret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.readSecret(s.Name); err == nil {
		return nil, cluster.ErrAlreadyExists
	}

	created := *s
	created.ResourceVersion = "1"
	created.CreatedAt = time.Now()
	if err := c.writeSecret(&created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateSecret replaces a secret guarded by the resource version.
func (c *Client) UpdateSecret(_ context.Context, s *cluster.Secret) (*cluster.Secret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.readSecret(s.Name)
	if err != nil {
		return nil, err
	}
	if current.ResourceVersion != s.ResourceVersion {
		return nil, cluster.ErrConflict
	}

	updated := *s
	updated.ResourceVersion = bumpVersion(current.ResourceVersion)
	updated.CreatedAt = current.CreatedAt
	if err := c.writeSecret(&updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteSecret removes the named secret.
func (c *Client) DeleteSecret(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.secretPath(name)); err != nil {
		if os.IsNotExist(err) {
			return cluster.ErrNotFound
		}
		return fmt.Errorf("failed to delete secret %s: %w", name, err)
	}
	return nil
}
