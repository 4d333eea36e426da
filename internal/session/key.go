// Package session derives stable session identity from chat platform
// coordinates and generates names safe for cluster objects and git branches.
package session

import (
	"strings"
)

// Cluster object names are limited to 63 characters (DNS label).
const maxNameLength = 63

const deploymentPrefix = "worker-"

// GenerateKey returns the deterministic session key for a message.
//
// A message inside an existing thread keys the session on the thread so every
// reply lands on the same worker. A top-level message seeds a new thread and
// is keyed on its own message id.
func GenerateKey(platform, workspaceID, channelID, userID, threadID, messageID string) string {
	if threadID != "" {
		return strings.Join([]string{platform, workspaceID, channelID, threadID}, ".")
	}
	return strings.Join([]string{platform, workspaceID, channelID, userID, messageID}, ".")
}

// SafeName converts a session key into a cluster-safe name: lower-case,
// every character outside [a-z0-9] replaced with '-', truncated to the
// object name limit.
func SafeName(sessionKey string) string {
	lowered := strings.ToLower(sessionKey)
	var b strings.Builder
	b.Grow(len(lowered))
	for _, r := range lowered {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	name := b.String()
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	// A DNS label must not start or end with '-'.
	name = strings.Trim(name, "-")
	if name == "" {
		name = "session"
	}
	return name
}

// DeploymentName returns the worker deployment name for a session key.
func DeploymentName(sessionKey string) string {
	safe := SafeName(sessionKey)
	limit := maxNameLength - len(deploymentPrefix)
	if len(safe) > limit {
		safe = strings.TrimRight(safe[:limit], "-")
	}
	return deploymentPrefix + safe
}

// BranchName returns the git session branch for a session key.
func BranchName(sessionKey string) string {
	return "claude/" + strings.ReplaceAll(sessionKey, ".", "-")
}

// ThreadQueueName returns the queue consumed by the worker owning the
// deployment.
func ThreadQueueName(deploymentName string) string {
	return "thread_message_" + deploymentName
}

// Well-known queue names.
const (
	IngressQueue  = "messages"
	ResponseQueue = "thread_response"
)
