package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerbot/peerbot/internal/chat"
	chatfake "github.com/peerbot/peerbot/internal/chat/fake"
	"github.com/peerbot/peerbot/internal/common/logger"
	"github.com/peerbot/peerbot/internal/queue"
	"github.com/peerbot/peerbot/internal/session"
	v1 "github.com/peerbot/peerbot/pkg/api/v1"
)

func newTestEgress(t *testing.T, throttleMs int) (*Egress, *chatfake.Client, *queue.MemoryQueue) {
	t.Helper()

	log := logger.Default()
	chatClient := chatfake.NewClient()
	q := queue.NewMemoryQueue(log)
	t.Cleanup(q.Close)

	e := NewEgress(chatClient, q, throttleMs, log)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return e, chatClient, q
}

func sendResponse(t *testing.T, q *queue.MemoryQueue, resp v1.ThreadResponse) {
	t.Helper()
	_, err := q.Send(context.Background(), session.ResponseQueue, resp, queue.DefaultSendOptions())
	require.NoError(t, err)
}

func TestEgressUpdatesMessage(t *testing.T) {
	_, chatClient, q := newTestEgress(t, 1)

	sendResponse(t, q, v1.ThreadResponse{
		ChannelID: "C1",
		MessageID: "ts-placeholder",
		Content:   "first tokens",
	})

	require.Eventually(t, func() bool {
		return len(chatClient.Updates()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	updates := chatClient.Updates()
	assert.Equal(t, "C1", updates[0].ChannelID)
	assert.Equal(t, "ts-placeholder", updates[0].Ts)
	assert.Equal(t, "first tokens", updates[0].Text)
}

func TestEgressCoalescesBurst(t *testing.T) {
	e, chatClient, q := newTestEgress(t, 60_000)

	// The first update lands immediately.
	sendResponse(t, q, v1.ThreadResponse{ChannelID: "C1", MessageID: "ts-1", Content: "one"})
	require.Eventually(t, func() bool {
		return len(chatClient.Updates()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The rest of the burst coalesces behind the window, latest content
	// winning. Spaced sends keep the arrival order deterministic.
	sendResponse(t, q, v1.ThreadResponse{ChannelID: "C1", MessageID: "ts-1", Content: "two"})
	time.Sleep(150 * time.Millisecond)
	sendResponse(t, q, v1.ThreadResponse{ChannelID: "C1", MessageID: "ts-1", Content: "three"})
	time.Sleep(150 * time.Millisecond)

	e.Flush()

	require.Eventually(t, func() bool {
		return len(chatClient.Updates()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	updates := chatClient.Updates()
	assert.Equal(t, "one", updates[0].Text)
	assert.Equal(t, "three", updates[1].Text)
}

func TestEgressReactionLifecycle(t *testing.T) {
	_, chatClient, q := newTestEgress(t, 1)

	sendResponse(t, q, v1.ThreadResponse{
		ChannelID:         "C1",
		MessageID:         "ts-placeholder",
		OriginalMessageTs: "ts-user",
		Content:           "streaming...",
	})

	require.Eventually(t, func() bool {
		return len(chatClient.Reactions()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sendResponse(t, q, v1.ThreadResponse{
		ChannelID:         "C1",
		MessageID:         "ts-placeholder",
		OriginalMessageTs: "ts-user",
		Content:           "done!",
		IsDone:            true,
	})

	require.Eventually(t, func() bool {
		return len(chatClient.Reactions()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	reactions := chatClient.Reactions()
	assert.Equal(t, v1.ReactionWorking, reactions[0].Name)
	assert.False(t, reactions[0].Removed)
	assert.Equal(t, v1.ReactionWorking, reactions[1].Name)
	assert.True(t, reactions[1].Removed)
	assert.Equal(t, v1.ReactionSuccess, reactions[2].Name)
	assert.False(t, reactions[2].Removed)
}

func TestEgressErrorEnvelope(t *testing.T) {
	_, chatClient, q := newTestEgress(t, 1)

	sendResponse(t, q, v1.ThreadResponse{
		ChannelID:         "C1",
		MessageID:         "ts-placeholder",
		OriginalMessageTs: "ts-user",
		Error:             "agent crashed",
	})

	require.Eventually(t, func() bool {
		return len(chatClient.Updates()) == 1 && len(chatClient.Reactions()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, chatClient.Updates()[0].Text, "Something went wrong")
	assert.Contains(t, chatClient.Updates()[0].Text, "agent crashed")

	reactions := chatClient.Reactions()
	assert.Equal(t, v1.ReactionWorking, reactions[0].Name)
	assert.True(t, reactions[0].Removed)
	assert.Equal(t, v1.ReactionFailure, reactions[1].Name)
}

func TestEgressDropsPermanentChatErrors(t *testing.T) {
	_, chatClient, q := newTestEgress(t, 1)
	chatClient.UpdateErr = &chat.APIError{Code: "message_not_found"}

	sendResponse(t, q, v1.ThreadResponse{
		ChannelID: "C1",
		MessageID: "ts-gone",
		Content:   "update for a deleted message",
	})

	// The job completes rather than retrying forever.
	require.Eventually(t, func() bool {
		size, err := q.GetQueueSize(context.Background(), session.ResponseQueue)
		return err == nil && size.Completed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEgressMalformedEnvelopeFailsPermanently(t *testing.T) {
	_, _, q := newTestEgress(t, 1)

	_, err := q.Send(context.Background(), session.ResponseQueue, "not-a-response-object", queue.DefaultSendOptions())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		size, err := q.GetQueueSize(context.Background(), session.ResponseQueue)
		return err == nil && size.Failed == 1
	}, 2*time.Second, 10*time.Millisecond)
}
