// Package fake provides an in-memory cluster.Client for tests. It applies the
// same resource version rules as the real backends and supports injecting
// conflicts and readiness behavior.
package fake

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/peerbot/peerbot/internal/cluster"
)

// Client is an in-memory cluster backend.
type Client struct {
	mu          sync.Mutex
	deployments map[string]*cluster.Deployment
	secrets     map[string]*cluster.Secret

	// ReadyOnCreate controls whether new or scaled-up deployments report
	// ready replicas immediately. Defaults to true.
	ReadyOnCreate bool

	// ConflictsOnUpdate makes the next N UpdateDeployment calls fail with
	// ErrConflict before succeeding, to exercise retry paths.
	ConflictsOnUpdate int

	// CreateErr, when set, is returned by CreateDeployment.
	CreateErr error
}

// NewClient creates an empty fake cluster.
func NewClient() *Client {
	return &Client{
		deployments:   make(map[string]*cluster.Deployment),
		secrets:       make(map[string]*cluster.Secret),
		ReadyOnCreate: true,
	}
}

func bump(v string) string {
	n, _ := strconv.ParseInt(v, 10, 64)
	return strconv.FormatInt(n+1, 10)
}

func copyDeployment(d *cluster.Deployment) *cluster.Deployment {
	out := *d
	out.Labels = copyMap(d.Labels)
	out.Annotations = copyMap(d.Annotations)
	out.Status.Conditions = append([]cluster.Condition(nil), d.Status.Conditions...)
	out.Spec.Env = append([]cluster.EnvVar(nil), d.Spec.Env...)
	out.Spec.EnvFrom = append([]cluster.SecretRef(nil), d.Spec.EnvFrom...)
	return &out
}

func copySecret(s *cluster.Secret) *cluster.Secret {
	out := *s
	out.Labels = copyMap(s.Labels)
	out.Data = make(map[string][]byte, len(s.Data))
	for k, v := range s.Data {
		out.Data[k] = append([]byte(nil), v...)
	}
	return &out
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (c *Client) GetDeployment(_ context.Context, name string) (*cluster.Deployment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.deployments[name]
	if !ok {
		return nil, cluster.ErrNotFound
	}
	return copyDeployment(d), nil
}

func (c *Client) ListDeployments(_ context.Context, selector cluster.Selector) ([]*cluster.Deployment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []*cluster.Deployment
	for _, d := range c.deployments {
		if selector.Matches(d.Labels) {
			result = append(result, copyDeployment(d))
		}
	}
	return result, nil
}

func (c *Client) CreateDeployment(_ context.Context, d *cluster.Deployment) (*cluster.Deployment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.CreateErr != nil {
		return nil, c.CreateErr
	}
	if _, exists := c.deployments[d.Name]; exists {
		return nil, cluster.ErrAlreadyExists
	}

	stored := copyDeployment(d)
	stored.ResourceVersion = "1"
	stored.CreatedAt = time.Now()
	c.applyReadiness(stored)
	c.deployments[d.Name] = stored
	return copyDeployment(stored), nil
}

func (c *Client) UpdateDeployment(_ context.Context, d *cluster.Deployment) (*cluster.Deployment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.deployments[d.Name]
	if !ok {
		return nil, cluster.ErrNotFound
	}
	if c.ConflictsOnUpdate > 0 {
		c.ConflictsOnUpdate--
		return nil, cluster.ErrConflict
	}
	if current.ResourceVersion != d.ResourceVersion {
		return nil, cluster.ErrConflict
	}

	stored := copyDeployment(d)
	stored.ResourceVersion = bump(current.ResourceVersion)
	stored.CreatedAt = current.CreatedAt
	c.applyReadiness(stored)
	c.deployments[d.Name] = stored
	return copyDeployment(stored), nil
}

func (c *Client) ScaleDeployment(_ context.Context, name string, replicas int) (*cluster.Deployment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.deployments[name]
	if !ok {
		return nil, cluster.ErrNotFound
	}

	current.Spec.Replicas = replicas
	current.ResourceVersion = bump(current.ResourceVersion)
	c.applyReadiness(current)
	return copyDeployment(current), nil
}

func (c *Client) DeleteDeployment(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.deployments[name]; !ok {
		return cluster.ErrNotFound
	}
	delete(c.deployments, name)
	return nil
}

// SetReady overrides readiness for a deployment, for tests that exercise the
// monitor path.
func (c *Client) SetReady(name string, ready int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.deployments[name]; ok {
		d.Status.ReadyReplicas = ready
	}
}

// SetCreatedAt backdates a deployment, for tests that exercise age-based
// recovery.
func (c *Client) SetCreatedAt(name string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.deployments[name]; ok {
		d.CreatedAt = t
	}
}

// SetCondition injects a status condition on a deployment.
func (c *Client) SetCondition(name string, cond cluster.Condition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.deployments[name]
	if !ok {
		return
	}
	for i, existing := range d.Status.Conditions {
		if existing.Type == cond.Type {
			d.Status.Conditions[i] = cond
			return
		}
	}
	d.Status.Conditions = append(d.Status.Conditions, cond)
}

func (c *Client) applyReadiness(d *cluster.Deployment) {
	if c.ReadyOnCreate {
		d.Status.ReadyReplicas = d.Spec.Replicas
	} else {
		d.Status.ReadyReplicas = 0
	}
}

func (c *Client) GetSecret(_ context.Context, name string) (*cluster.Secret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.secrets[name]
	if !ok {
		return nil, cluster.ErrNotFound
	}
	return copySecret(s), nil
}

func (c *Client) ListSecrets(_ context.Context, selector cluster.Selector) ([]*cluster.Secret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []*cluster.Secret
	for _, s := range c.secrets {
		if selector.Matches(s.Labels) {
			result = append(result, copySecret(s))
		}
	}
	return result, nil
}

func (c *Client) CreateSecret(_ context.Context, s *cluster.Secret) (*cluster.Secret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.secrets[s.Name]; exists {
		return nil, cluster.ErrAlreadyExists
	}

	stored := copySecret(s)
	stored.ResourceVersion = "1"
	stored.CreatedAt = time.Now()
	c.secrets[s.Name] = stored
	return copySecret(stored), nil
}

func (c *Client) UpdateSecret(_ context.Context, s *cluster.Secret) (*cluster.Secret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.secrets[s.Name]
	if !ok {
		return nil, cluster.ErrNotFound
	}
	if current.ResourceVersion != s.ResourceVersion {
		return nil, cluster.ErrConflict
	}

	stored := copySecret(s)
	stored.ResourceVersion = bump(current.ResourceVersion)
	stored.CreatedAt = current.CreatedAt
	c.secrets[s.Name] = stored
	return copySecret(stored), nil
}

func (c *Client) DeleteSecret(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.secrets[name]; !ok {
		return cluster.ErrNotFound
	}
	delete(c.secrets, name)
	return nil
}

func (c *Client) Ping(context.Context) error { return nil }

func (c *Client) Close() error { return nil }

var _ cluster.Client = (*Client)(nil)
