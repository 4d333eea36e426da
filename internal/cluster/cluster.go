// Package cluster defines the deployment and secret model the orchestrator
// reconciles against. The contract is deliberately small: named deployments
// scaled 0 or 1, named secrets, label-selector listing, and optimistic
// concurrency through resource versions.
package cluster

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	// ErrNotFound is returned when the named object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrAlreadyExists is returned by Create when the name is taken.
	ErrAlreadyExists = errors.New("object already exists")
	// ErrConflict is returned by Update when the resource version is stale.
	ErrConflict = errors.New("resource version conflict")
)

// Well-known labels and annotations on worker deployments.
const (
	LabelApp        = "app.peerbot.io/name"
	LabelComponent  = "app.peerbot.io/component"
	LabelSessionKey = "app.peerbot.io/session-key"
	LabelUserID     = "app.peerbot.io/user-id"

	AnnotationSessionKey   = "peerbot.io/session-key"
	AnnotationTenant       = "peerbot.io/tenant-id"
	AnnotationThreadID     = "peerbot.io/thread-id"
	AnnotationChannelID    = "peerbot.io/channel-id"
	AnnotationRepository   = "peerbot.io/repository-url"
	AnnotationLastActivity = "peerbot.io/last-activity"

	ComponentWorker = "worker"
)

// ConditionType classifies a deployment condition.
type ConditionType string

const (
	ConditionAvailable   ConditionType = "Available"
	ConditionProgressing ConditionType = "Progressing"
	ConditionFailure     ConditionType = "Failure"
)

// Condition reports one aspect of deployment state.
type Condition struct {
	Type               ConditionType `json:"type"`
	Status             bool          `json:"status"`
	Reason             string        `json:"reason,omitempty"`
	Message            string        `json:"message,omitempty"`
	LastTransitionTime time.Time     `json:"last_transition_time"`
}

// EnvVar is a literal environment variable on a deployment.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SecretRef injects every key of the named secret as environment variables.
type SecretRef struct {
	SecretName string `json:"secret_name"`
}

// DeploymentSpec is the desired state of a worker deployment.
type DeploymentSpec struct {
	Replicas int         `json:"replicas"` // 0 or 1
	Image    string      `json:"image"`
	Command  []string    `json:"command,omitempty"`
	Env      []EnvVar    `json:"env,omitempty"`
	EnvFrom  []SecretRef `json:"env_from,omitempty"`
}

// DeploymentStatus is the observed state of a worker deployment.
type DeploymentStatus struct {
	ReadyReplicas int         `json:"ready_replicas"`
	Conditions    []Condition `json:"conditions,omitempty"`
}

// Deployment is a named, labeled unit of one worker.
type Deployment struct {
	Name            string            `json:"name"`
	Labels          map[string]string `json:"labels,omitempty"`
	Annotations     map[string]string `json:"annotations,omitempty"`
	ResourceVersion string            `json:"resource_version"`
	CreatedAt       time.Time         `json:"created_at"`
	Spec            DeploymentSpec    `json:"spec"`
	Status          DeploymentStatus  `json:"status"`
}

// Ready reports whether the deployment has the replicas it asked for.
func (d *Deployment) Ready() bool {
	return d.Status.ReadyReplicas >= d.Spec.Replicas
}

// Condition returns the condition of the given type, if present.
func (d *Deployment) Condition(t ConditionType) (Condition, bool) {
	for _, c := range d.Status.Conditions {
		if c.Type == t {
			return c, true
		}
	}
	return Condition{}, false
}

// Secret is a named bag of sensitive key/value pairs.
type Secret struct {
	Name            string            `json:"name"`
	Labels          map[string]string `json:"labels,omitempty"`
	ResourceVersion string            `json:"resource_version"`
	CreatedAt       time.Time         `json:"created_at"`
	Data            map[string][]byte `json:"data"`
}

// Selector matches objects whose labels contain every listed pair.
type Selector map[string]string

// Matches reports whether the labels satisfy the selector.
func (s Selector) Matches(labels map[string]string) bool {
	for k, v := range s {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// Client is the cluster backend contract. Updates carry the resource version
// read earlier; a stale version fails with ErrConflict and the caller re-reads
// and retries.
type Client interface {
	GetDeployment(ctx context.Context, name string) (*Deployment, error)
	ListDeployments(ctx context.Context, selector Selector) ([]*Deployment, error)
	CreateDeployment(ctx context.Context, d *Deployment) (*Deployment, error)
	UpdateDeployment(ctx context.Context, d *Deployment) (*Deployment, error)
	ScaleDeployment(ctx context.Context, name string, replicas int) (*Deployment, error)
	DeleteDeployment(ctx context.Context, name string) error

	GetSecret(ctx context.Context, name string) (*Secret, error)
	ListSecrets(ctx context.Context, selector Selector) ([]*Secret, error)
	CreateSecret(ctx context.Context, s *Secret) (*Secret, error)
	UpdateSecret(ctx context.Context, s *Secret) (*Secret, error)
	DeleteSecret(ctx context.Context, name string) error

	Ping(ctx context.Context) error
	Close() error
}
