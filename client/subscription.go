package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prefect421/conveyor/gateway"
	"github.com/prefect421/conveyor/stream"
)

// Subscribe subscribes to a stream topic and returns a channel of
// events. The channel is closed when the client disconnects or
// Unsubscribe is called.
//
// Topics follow the conveyor stream convention:
//   - "job:<jobID>"  — Events for a specific job
//   - "queue:<name>" — All events for a queue
//   - "jobs"         — All job lifecycle events
//   - "firehose"     — Everything
//
// For "job:" topics the gateway sends a snapshot event first, so a
// subscriber always learns the current state even when the job already
// finished.
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan *stream.Event, error) {
	// Register the channel before the request goes out: the server
	// sends the snapshot event right after the response, and it must
	// not race the local routing table.
	ch := make(chan *stream.Event, 64)
	c.subs.Store(channel, ch)

	_, err := c.request(ctx, gateway.MethodSubscribe, gateway.SubscribeRequest{
		Channel: channel,
	})
	if err != nil {
		c.subs.Delete(channel)
		close(ch)
		return nil, fmt.Errorf("subscribe to %q: %w", channel, err)
	}

	return ch, nil
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	_, err := c.request(ctx, gateway.MethodUnsubscribe, gateway.UnsubscribeRequest{
		Channel: channel,
	})

	// Close and remove the local channel regardless.
	if val, ok := c.subs.LoadAndDelete(channel); ok {
		ch := val.(chan *stream.Event) //nolint:errcheck // subs map always stores chan *stream.Event
		close(ch)
	}

	return err
}

// Watch subscribes to events for a specific job and returns an event
// channel. This is a convenience method that subscribes to
// "job:<jobID>".
func (c *Client) Watch(ctx context.Context, jobID string) (<-chan *stream.Event, error) {
	return c.Subscribe(ctx, "job:"+jobID)
}

// Stats retrieves broker, connection, and health statistics from the
// server.
func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.request(ctx, gateway.MethodStats, nil)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}
