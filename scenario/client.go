package scenario

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/transport"
)

// Client submits operations one at a time. An operation completes once f+1
// replicas sent matching replies. Until then a retransmission timeout
// multicasts the request to every replica.
type Client struct {
	id        byzzbench.NodeID
	transport *transport.Transport
	replicas  []byzzbench.NodeID
	f         int
	requests  int
	timeout   uint64

	view      uint64
	timestamp uint64
	completed int
	replies   map[byzzbench.NodeID]byzzbench.Reply
	timer     byzzbench.EventID

	logger *zap.Logger
}

// NewClient creates a client that submits requests operations.
func NewClient(id byzzbench.NodeID, replicas []byzzbench.NodeID, t *transport.Transport, cfg *byzzbench.Config) *Client {
	return &Client{
		id:        id,
		transport: t,
		replicas:  replicas,
		f:         cfg.F(),
		requests:  cfg.Requests,
		timeout:   cfg.RequestTimeout,
		view:      1,
		replies:   make(map[byzzbench.NodeID]byzzbench.Reply),
		logger:    cfg.Logger.With(zap.String("client", string(id))),
	}
}

// ID implements byzzbench.Node.
func (c *Client) ID() byzzbench.NodeID { return c.id }

// Initialize submits the first operation.
func (c *Client) Initialize() error {
	c.next()
	return nil
}

// Completed returns the number of completed operations.
func (c *Client) Completed() int { return c.completed }

// Done reports whether every operation completed.
func (c *Client) Done() bool { return c.completed >= c.requests }

// Request returns the outstanding request, if any.
func (c *Client) Request() (byzzbench.ClientRequest, bool) {
	if c.Done() || c.timestamp == 0 {
		return byzzbench.ClientRequest{}, false
	}
	return c.request(c.timestamp), true
}

// HandleMessage counts replies for the outstanding request.
func (c *Client) HandleMessage(sender byzzbench.NodeID, payload byzzbench.Payload) error {
	reply, ok := payload.(byzzbench.Reply)
	if !ok {
		return byzzbench.UnknownPayload(c.id, payload)
	}
	if c.Done() || reply.Timestamp != c.timestamp || reply.ClientID != c.id {
		return nil
	}
	c.replies[sender] = reply
	if reply.View > c.view {
		c.view = reply.View
	}

	matching := 0
	for _, r := range c.replies {
		if bytes.Equal(r.Result, reply.Result) {
			matching++
		}
	}
	if matching < c.f+1 {
		return nil
	}

	c.completed++
	c.transport.ClearTimeout(c.id, c.timer)
	c.logger.Debug("request completed",
		zap.Uint64("timestamp", c.timestamp),
		zap.Int("replies", matching))
	c.next()
	return nil
}

// next submits the following operation to the replica the client believes
// leads the latest view it saw.
func (c *Client) next() {
	if c.Done() {
		return
	}
	c.timestamp++
	c.replies = make(map[byzzbench.NodeID]byzzbench.Reply)

	target := c.replicas[c.view%uint64(len(c.replicas))]
	c.transport.SendClientRequest(c.id, target, c.request(c.timestamp))
	c.armTimer()
}

func (c *Client) armTimer() {
	ts := c.timestamp
	c.timer = c.transport.SetTimeout(c.id, c.timeout, fmt.Sprintf("retransmit %d", ts), func() {
		c.retransmit(ts)
	})
}

func (c *Client) retransmit(ts uint64) {
	if c.Done() || ts != c.timestamp {
		return
	}
	c.logger.Debug("retransmitting request", zap.Uint64("timestamp", ts))
	req := c.request(ts)
	for _, id := range c.replicas {
		c.transport.SendClientRequest(c.id, id, req)
	}
	c.armTimer()
}

func (c *Client) request(ts uint64) byzzbench.ClientRequest {
	return byzzbench.ClientRequest{
		ClientID:  c.id,
		Timestamp: ts,
		Operation: []byte(fmt.Sprintf("%s/op-%d", c.id, ts)),
	}
}
