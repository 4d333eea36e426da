// Package credentials provisions per-user database identities and keeps them
// in cluster secrets so worker containers can be started with an isolated
// DATABASE_URL instead of the orchestrator's own.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/peerbot/peerbot/internal/cluster"
	"github.com/peerbot/peerbot/internal/common/config"
	apperrors "github.com/peerbot/peerbot/internal/common/errors"
	"github.com/peerbot/peerbot/internal/common/logger"
	"github.com/peerbot/peerbot/internal/session"
)

const (
	secretPrefix = "peerbot-user-secret-"
	rolePrefix   = "peerbot_user_"

	// Secret data keys consumed by worker containers.
	KeyDatabaseURL = "DATABASE_URL"
	KeyDBUsername  = "DB_USERNAME"
	KeyDBPassword  = "DB_PASSWORD"
)

// UserCredentials is the provisioned identity for one chat user.
type UserCredentials struct {
	Username    string
	DBRole      string
	DBPassword  string
	DatabaseURL string
	SecretName  string
}

// RoleProvisioner creates and drops scoped database roles. The pgx
// implementation lives in the store package next to the migrations that
// define the underlying SQL functions.
type RoleProvisioner interface {
	// CreateRole creates a role with row-level access limited to the user's
	// own conversations. Idempotent: re-creating resets the password.
	CreateRole(ctx context.Context, role, password string) error
	// DropRole removes the role. Missing roles are not an error.
	DropRole(ctx context.Context, role string) error
}

// Store provisions and caches user credentials. The cluster secret is the
// source of truth; the in-memory cache only skips repeated secret reads.
type Store struct {
	clusterClient cluster.Client
	provisioner   RoleProvisioner
	dbCfg         config.DatabaseConfig
	logger        *logger.Logger

	cache map[string]*UserCredentials
	mu    sync.Mutex
}

// NewStore creates a credentials store.
func NewStore(clusterClient cluster.Client, provisioner RoleProvisioner, dbCfg config.DatabaseConfig, log *logger.Logger) *Store {
	return &Store{
		clusterClient: clusterClient,
		provisioner:   provisioner,
		dbCfg:         dbCfg,
		logger:        log.WithFields(zap.String("component", "credentials-store")),
		cache:         make(map[string]*UserCredentials),
	}
}

// SecretName returns the cluster secret name holding a user's credentials.
func SecretName(username string) string {
	return secretPrefix + session.SafeName(username)
}

// RoleName returns the database role for a user.
func RoleName(username string) string {
	safe := session.SafeName(username)
	return rolePrefix + strings.ReplaceAll(safe, "-", "_")
}

// EnsureUserCredentials returns existing credentials for the user or
// provisions new ones. Resolution order: cache, cluster secret, fresh
// provisioning.
func (s *Store) EnsureUserCredentials(ctx context.Context, username string) (*UserCredentials, error) {
	if username == "" {
		return nil, apperrors.Validation("username is required for credential provisioning")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if creds, ok := s.cache[username]; ok {
		return creds, nil
	}

	secretName := SecretName(username)
	secret, err := s.clusterClient.GetSecret(ctx, secretName)
	if err == nil {
		creds, decodeErr := credentialsFromSecret(username, secret)
		if decodeErr == nil {
			s.cache[username] = creds
			return creds, nil
		}
		s.logger.Warn("existing credential secret is malformed, reprovisioning",
			zap.String("secret", secretName),
			zap.Error(decodeErr))
	} else if !errors.Is(err, cluster.ErrNotFound) {
		return nil, apperrors.Transient("failed to read credential secret", err)
	}

	creds, err := s.provision(ctx, username)
	if err != nil {
		return nil, err
	}
	s.cache[username] = creds
	return creds, nil
}

// provision creates the role first, then the secret. A secret write failure
// rolls the role back so no orphaned role survives.
func (s *Store) provision(ctx context.Context, username string) (*UserCredentials, error) {
	role := RoleName(username)
	password, err := generatePassword()
	if err != nil {
		return nil, apperrors.InternalError("failed to generate password", err)
	}

	if err := s.provisioner.CreateRole(ctx, role, password); err != nil {
		return nil, apperrors.Transient("failed to create database role", err)
	}

	creds := &UserCredentials{
		Username:    username,
		DBRole:      role,
		DBPassword:  password,
		DatabaseURL: s.databaseURL(role, password),
		SecretName:  SecretName(username),
	}

	secret := &cluster.Secret{
		Name: creds.SecretName,
		Labels: map[string]string{
			cluster.LabelApp:    "peerbot",
			cluster.LabelUserID: session.SafeName(username),
		},
		Data: map[string][]byte{
			KeyDatabaseURL: []byte(creds.DatabaseURL),
			KeyDBUsername:  []byte(role),
			KeyDBPassword:  []byte(password),
		},
	}

	if _, err := s.clusterClient.CreateSecret(ctx, secret); err != nil {
		if errors.Is(err, cluster.ErrAlreadyExists) {
			// Lost a race with another provisioner; its secret wins.
			if existing, getErr := s.clusterClient.GetSecret(ctx, creds.SecretName); getErr == nil {
				if fromSecret, decodeErr := credentialsFromSecret(username, existing); decodeErr == nil {
					return fromSecret, nil
				}
			}
		}
		if dropErr := s.provisioner.DropRole(ctx, role); dropErr != nil {
			s.logger.Error("failed to roll back database role after secret write failure",
				zap.String("role", role),
				zap.Error(dropErr))
		}
		return nil, apperrors.Transient("failed to store credential secret", err)
	}

	s.logger.Info("user credentials provisioned",
		zap.String("username", username),
		zap.String("role", role),
		zap.String("secret", creds.SecretName))
	return creds, nil
}

// Rotate regenerates the password for a user and updates the secret in place.
func (s *Store) Rotate(ctx context.Context, username string) (*UserCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secretName := SecretName(username)
	secret, err := s.clusterClient.GetSecret(ctx, secretName)
	if err != nil {
		if errors.Is(err, cluster.ErrNotFound) {
			return nil, apperrors.NotFound("credentials", username)
		}
		return nil, apperrors.Transient("failed to read credential secret", err)
	}

	role := RoleName(username)
	password, err := generatePassword()
	if err != nil {
		return nil, apperrors.InternalError("failed to generate password", err)
	}

	// CreateRole resets the password on an existing role.
	if err := s.provisioner.CreateRole(ctx, role, password); err != nil {
		return nil, apperrors.Transient("failed to rotate database role password", err)
	}

	creds := &UserCredentials{
		Username:    username,
		DBRole:      role,
		DBPassword:  password,
		DatabaseURL: s.databaseURL(role, password),
		SecretName:  secretName,
	}

	secret.Data = map[string][]byte{
		KeyDatabaseURL: []byte(creds.DatabaseURL),
		KeyDBUsername:  []byte(role),
		KeyDBPassword:  []byte(password),
	}
	if _, err := s.clusterClient.UpdateSecret(ctx, secret); err != nil {
		return nil, apperrors.Transient("failed to update credential secret", err)
	}

	s.cache[username] = creds
	s.logger.Info("user credentials rotated", zap.String("username", username))
	return creds, nil
}

// Delete removes the user's secret and role.
func (s *Store) Delete(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, username)

	if err := s.clusterClient.DeleteSecret(ctx, SecretName(username)); err != nil && !errors.Is(err, cluster.ErrNotFound) {
		return apperrors.Transient("failed to delete credential secret", err)
	}
	if err := s.provisioner.DropRole(ctx, RoleName(username)); err != nil {
		return apperrors.Transient("failed to drop database role", err)
	}

	s.logger.Info("user credentials deleted", zap.String("username", username))
	return nil
}

func (s *Store) databaseURL(role, password string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(role),
		url.QueryEscape(password),
		s.dbCfg.Host,
		s.dbCfg.Port,
		s.dbCfg.DBName,
		s.dbCfg.SSLMode,
	)
}

func credentialsFromSecret(username string, secret *cluster.Secret) (*UserCredentials, error) {
	dbURL, ok := secret.Data[KeyDatabaseURL]
	if !ok || len(dbURL) == 0 {
		return nil, fmt.Errorf("secret %s missing %s", secret.Name, KeyDatabaseURL)
	}
	role, ok := secret.Data[KeyDBUsername]
	if !ok || len(role) == 0 {
		return nil, fmt.Errorf("secret %s missing %s", secret.Name, KeyDBUsername)
	}
	password, ok := secret.Data[KeyDBPassword]
	if !ok || len(password) == 0 {
		return nil, fmt.Errorf("secret %s missing %s", secret.Name, KeyDBPassword)
	}

	return &UserCredentials{
		Username:    username,
		DBRole:      string(role),
		DBPassword:  string(password),
		DatabaseURL: string(dbURL),
		SecretName:  secret.Name,
	}, nil
}

// generatePassword returns a 32-byte random password, base64 encoded without
// characters that need URL escaping.
func generatePassword() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
