// Package fake provides a recording chat.Client for tests.
package fake

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/peerbot/peerbot/internal/chat"
)

// Posted is one recorded PostMessage call.
type Posted struct {
	ChannelID string
	ThreadTs  string
	Text      string
	Ts        string
}

// Update is one recorded UpdateMessage call.
type Update struct {
	ChannelID string
	Ts        string
	Text      string
}

// Reaction is one recorded reaction mutation.
type Reaction struct {
	ChannelID string
	Ts        string
	Name      string
	Removed   bool
}

// Client records every call and returns configurable errors.
type Client struct {
	mu        sync.Mutex
	posted    []Posted
	updates   []Update
	reactions []Reaction
	threads   map[string][]chat.ThreadMessage
	nextTs    int

	// Err fields inject failures per method.
	PostErr     error
	UpdateErr   error
	ReactionErr error
	FetchErr    error
}

// NewClient creates an empty recording client.
func NewClient() *Client {
	return &Client{
		threads: make(map[string][]chat.ThreadMessage),
		nextTs:  1,
	}
}

func (c *Client) PostMessage(_ context.Context, channelID, threadTs, text string) (*chat.PostedMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.PostErr != nil {
		return nil, c.PostErr
	}

	ts := "170000000" + strconv.Itoa(c.nextTs) + ".00000" + strconv.Itoa(c.nextTs)
	c.nextTs++
	c.posted = append(c.posted, Posted{
		ChannelID: channelID,
		ThreadTs:  threadTs,
		Text:      text,
		Ts:        ts,
	})
	return &chat.PostedMessage{ChannelID: channelID, Ts: ts}, nil
}

func (c *Client) UpdateMessage(_ context.Context, channelID, ts, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.UpdateErr != nil {
		return c.UpdateErr
	}
	c.updates = append(c.updates, Update{ChannelID: channelID, Ts: ts, Text: text})
	return nil
}

func (c *Client) AddReaction(_ context.Context, channelID, ts, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ReactionErr != nil {
		return c.ReactionErr
	}
	c.reactions = append(c.reactions, Reaction{ChannelID: channelID, Ts: ts, Name: name})
	return nil
}

func (c *Client) RemoveReaction(_ context.Context, channelID, ts, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ReactionErr != nil {
		return c.ReactionErr
	}
	c.reactions = append(c.reactions, Reaction{ChannelID: channelID, Ts: ts, Name: name, Removed: true})
	return nil
}

func (c *Client) FetchThreadMessages(_ context.Context, channelID, threadTs string) ([]chat.ThreadMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.FetchErr != nil {
		return nil, c.FetchErr
	}
	return append([]chat.ThreadMessage(nil), c.threads[threadKey(channelID, threadTs)]...), nil
}

// SeedThread pre-populates a thread for FetchThreadMessages.
func (c *Client) SeedThread(channelID, threadTs string, msgs ...chat.ThreadMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads[threadKey(channelID, threadTs)] = msgs
}

func threadKey(channelID, threadTs string) string {
	return fmt.Sprintf("%s/%s", channelID, threadTs)
}

// Posted returns recorded posts.
func (c *Client) Posted() []Posted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Posted(nil), c.posted...)
}

// Updates returns recorded updates.
func (c *Client) Updates() []Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Update(nil), c.updates...)
}

// Reactions returns recorded reaction mutations.
func (c *Client) Reactions() []Reaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Reaction(nil), c.reactions...)
}

var _ chat.Client = (*Client)(nil)
