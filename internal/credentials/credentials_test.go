package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerbot/peerbot/internal/cluster"
	"github.com/peerbot/peerbot/internal/cluster/fake"
	"github.com/peerbot/peerbot/internal/common/config"
	"github.com/peerbot/peerbot/internal/common/logger"
)

type fakeProvisioner struct {
	roles     map[string]string // role -> password
	createErr error
	dropped   []string
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{roles: make(map[string]string)}
}

func (p *fakeProvisioner) CreateRole(_ context.Context, role, password string) error {
	if p.createErr != nil {
		return p.createErr
	}
	p.roles[role] = password
	return nil
}

func (p *fakeProvisioner) DropRole(_ context.Context, role string) error {
	delete(p.roles, role)
	p.dropped = append(p.dropped, role)
	return nil
}

func testDBConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		Host:    "db.internal",
		Port:    5432,
		DBName:  "peerbot",
		SSLMode: "require",
	}
}

func newTestStore(t *testing.T) (*Store, *fake.Client, *fakeProvisioner) {
	t.Helper()
	fc := fake.NewClient()
	fp := newFakeProvisioner()
	return NewStore(fc, fp, testDBConfig(), logger.Default()), fc, fp
}

func TestEnsureUserCredentialsProvisionsNewUser(t *testing.T) {
	store, fc, fp := newTestStore(t)
	ctx := context.Background()

	creds, err := store.EnsureUserCredentials(ctx, "Alice.Smith")
	require.NoError(t, err)

	assert.Equal(t, "peerbot_user_alice_smith", creds.DBRole)
	assert.NotEmpty(t, creds.DBPassword)
	assert.Contains(t, creds.DatabaseURL, "db.internal:5432/peerbot")
	assert.Contains(t, creds.DatabaseURL, creds.DBRole)

	// Role exists with the same password stored in the secret.
	assert.Equal(t, creds.DBPassword, fp.roles[creds.DBRole])

	secret, err := fc.GetSecret(ctx, SecretName("Alice.Smith"))
	require.NoError(t, err)
	assert.Equal(t, creds.DatabaseURL, string(secret.Data[KeyDatabaseURL]))
	assert.Equal(t, creds.DBRole, string(secret.Data[KeyDBUsername]))
	assert.Equal(t, creds.DBPassword, string(secret.Data[KeyDBPassword]))
}

func TestEnsureUserCredentialsReturnsExistingSecret(t *testing.T) {
	store, fc, fp := newTestStore(t)
	ctx := context.Background()

	_, err := fc.CreateSecret(ctx, &cluster.Secret{
		Name: SecretName("bob"),
		Data: map[string][]byte{
			KeyDatabaseURL: []byte("postgres://existing"),
			KeyDBUsername:  []byte("peerbot_user_bob"),
			KeyDBPassword:  []byte("old-password"),
		},
	})
	require.NoError(t, err)

	creds, err := store.EnsureUserCredentials(ctx, "bob")
	require.NoError(t, err)

	assert.Equal(t, "postgres://existing", creds.DatabaseURL)
	assert.Equal(t, "old-password", creds.DBPassword)
	// Nothing was provisioned.
	assert.Empty(t, fp.roles)
}

func TestEnsureUserCredentialsCachesResult(t *testing.T) {
	store, fc, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.EnsureUserCredentials(ctx, "carol")
	require.NoError(t, err)

	// Remove the secret behind the cache's back; the cache still answers.
	require.NoError(t, fc.DeleteSecret(ctx, SecretName("carol")))

	second, err := store.EnsureUserCredentials(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, first.DBPassword, second.DBPassword)
}

func TestEnsureUserCredentialsRollsBackRoleOnSecretFailure(t *testing.T) {
	fc := fake.NewClient()
	fp := newFakeProvisioner()
	store := NewStore(fc, fp, testDBConfig(), logger.Default())
	ctx := context.Background()

	// Pre-create a malformed secret so CreateSecret fails with AlreadyExists
	// and the recovery read cannot decode it either.
	_, err := fc.CreateSecret(ctx, &cluster.Secret{
		Name: SecretName("dave"),
		Data: map[string][]byte{"junk": []byte("x")},
	})
	require.NoError(t, err)

	_, err = store.EnsureUserCredentials(ctx, "dave")
	require.Error(t, err)

	// The role created before the secret write was rolled back.
	assert.Empty(t, fp.roles)
	assert.Contains(t, fp.dropped, RoleName("dave"))
}

func TestEnsureUserCredentialsRejectsEmptyUsername(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.EnsureUserCredentials(context.Background(), "")
	require.Error(t, err)
}

func TestRotateUpdatesSecretAndRole(t *testing.T) {
	store, fc, fp := newTestStore(t)
	ctx := context.Background()

	first, err := store.EnsureUserCredentials(ctx, "erin")
	require.NoError(t, err)

	rotated, err := store.Rotate(ctx, "erin")
	require.NoError(t, err)

	assert.NotEqual(t, first.DBPassword, rotated.DBPassword)
	assert.Equal(t, first.DBRole, rotated.DBRole)
	assert.Equal(t, rotated.DBPassword, fp.roles[rotated.DBRole])

	secret, err := fc.GetSecret(ctx, SecretName("erin"))
	require.NoError(t, err)
	assert.Equal(t, rotated.DBPassword, string(secret.Data[KeyDBPassword]))
}

func TestRotateUnknownUser(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.Rotate(context.Background(), "ghost")
	require.Error(t, err)
}

func TestDeleteRemovesSecretAndRole(t *testing.T) {
	store, fc, fp := newTestStore(t)
	ctx := context.Background()

	creds, err := store.EnsureUserCredentials(ctx, "frank")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "frank"))

	_, err = fc.GetSecret(ctx, creds.SecretName)
	assert.True(t, errors.Is(err, cluster.ErrNotFound))
	assert.Empty(t, fp.roles)

	// Re-ensuring provisions from scratch.
	again, err := store.EnsureUserCredentials(ctx, "frank")
	require.NoError(t, err)
	assert.NotEqual(t, creds.DBPassword, again.DBPassword)
}

func TestSecretAndRoleNames(t *testing.T) {
	assert.Equal(t, "peerbot-user-secret-alice", SecretName("alice"))
	assert.Equal(t, "peerbot-user-secret-alice-smith", SecretName("Alice Smith"))
	assert.Equal(t, "peerbot_user_alice_smith", RoleName("Alice.Smith"))
}
