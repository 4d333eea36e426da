package session

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateKeyThreaded(t *testing.T) {
	key := GenerateKey("slack", "W1", "C1", "U1", "1700.100", "1700.200")
	assert.Equal(t, "slack.W1.C1.1700.100", key)

	// Every reply in the thread maps to the same key regardless of sender.
	other := GenerateKey("slack", "W1", "C1", "U2", "1700.100", "1700.300")
	assert.Equal(t, key, other)
}

func TestGenerateKeyTopLevel(t *testing.T) {
	key := GenerateKey("slack", "W1", "C1", "U1", "", "1700.100")
	assert.Equal(t, "slack.W1.C1.U1.1700.100", key)
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"slack.W1.C1.1700.100", "slack-w1-c1-1700-100"},
		{"SLACK.W1", "slack-w1"},
		{"...", "session"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SafeName(tt.in), "input %q", tt.in)
	}
}

func TestSafeNameTruncates(t *testing.T) {
	long := strings.Repeat("a.", 100)
	name := SafeName(long)
	assert.LessOrEqual(t, len(name), 63)
	assert.NotEqual(t, "-", name[len(name)-1:])
}

var dnsLabel = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

func TestDeploymentNameShape(t *testing.T) {
	for _, key := range []string{
		"slack.W1.C1.1700000000.000100",
		strings.Repeat("x.", 80),
		"slack.W1.C1.U1.1700000000.000100",
	} {
		name := DeploymentName(key)
		assert.True(t, dnsLabel.MatchString(name), "name %q", name)
		assert.LessOrEqual(t, len(name), 63)
		assert.True(t, strings.HasPrefix(name, "worker-"))
	}
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "claude/slack-W1-C1-1700-100", BranchName("slack.W1.C1.1700.100"))
}

func TestThreadQueueName(t *testing.T) {
	assert.Equal(t, "thread_message_worker-abc", ThreadQueueName("worker-abc"))
}
