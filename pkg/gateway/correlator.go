package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/catalyst-gg/catalyst/pkg/metrics"
	"github.com/catalyst-gg/catalyst/pkg/protocol"
)

const chunkBuffer = 64

// pendingRequest is one outstanding correlation. done is closed when the
// entry leaves the map, releasing any dispatcher blocked on the chunk
// channel.
type pendingRequest struct {
	nodeID  string
	respCh  chan *protocol.Response
	chunkCh chan *protocol.Chunk
	done    chan struct{}
}

// Correlator matches agent replies and chunk streams to outstanding
// requests via generated request ids.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewCorrelator creates an empty correlator
func NewCorrelator() *Correlator {
	return &Correlator{
		pending: make(map[string]*pendingRequest),
	}
}

func (c *Correlator) register(id string, p *pendingRequest) {
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
}

func (c *Correlator) unregister(id string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		close(p.done)
	}
}

// PendingCount returns the number of outstanding correlations
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// RequestJSON sends a correlated message to an agent and waits for the
// matching reply. The pending entry is registered before the send and
// removed before the call resolves, so a late reply finds nothing.
func (c *Correlator) RequestJSON(agent *AgentConn, msg protocol.Correlatable, timeout time.Duration) (*protocol.Response, error) {
	requestID := uuid.New().String()
	msg.SetRequestID(requestID)

	frame, err := protocol.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	p := &pendingRequest{
		nodeID: agent.NodeID,
		respCh: make(chan *protocol.Response, 1),
		done:   make(chan struct{}),
	}
	c.register(requestID, p)

	if err := agent.Send(frame); err != nil {
		c.unregister(requestID)
		return nil, fmt.Errorf("send to node %s: %w", agent.NodeID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	start := time.Now()

	select {
	case resp := <-p.respCh:
		c.unregister(requestID)
		metrics.NodeRequestDuration.WithLabelValues(msg.MessageType()).Observe(time.Since(start).Seconds())
		return resp, nil
	case <-timer.C:
		c.unregister(requestID)
		metrics.NodeRequestTimeouts.Inc()
		return nil, fmt.Errorf("request %s to node %s timed out after %s", msg.MessageType(), agent.NodeID, timeout)
	case <-agent.Done():
		c.unregister(requestID)
		return nil, fmt.Errorf("agent %s disconnected", agent.NodeID)
	}
}

// RequestBinary sends a correlated message and consumes the resulting
// chunk stream, handing each decoded payload to onChunk in order. The
// stream ends with a done marker; an error frame or a failed preamble
// aborts it. The timeout is an idle timeout, reset whenever a chunk
// arrives.
func (c *Correlator) RequestBinary(agent *AgentConn, msg protocol.Correlatable, timeout time.Duration, onChunk func([]byte) error) error {
	requestID := uuid.New().String()
	msg.SetRequestID(requestID)

	frame, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	p := &pendingRequest{
		nodeID:  agent.NodeID,
		respCh:  make(chan *protocol.Response, 1),
		chunkCh: make(chan *protocol.Chunk, chunkBuffer),
		done:    make(chan struct{}),
	}
	c.register(requestID, p)
	defer c.unregister(requestID)

	if err := agent.Send(frame); err != nil {
		return fmt.Errorf("send to node %s: %w", agent.NodeID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case resp := <-p.respCh:
			// Stream preamble; a failure aborts before any chunk
			if !resp.Success {
				if resp.Error != "" {
					return fmt.Errorf("node %s rejected %s: %s", agent.NodeID, msg.MessageType(), resp.Error)
				}
				return fmt.Errorf("node %s rejected %s", agent.NodeID, msg.MessageType())
			}
		case chunk := <-p.chunkCh:
			if chunk.Error != "" {
				return fmt.Errorf("stream aborted by node %s: %s", agent.NodeID, chunk.Error)
			}
			payload, err := chunk.Payload()
			if err != nil {
				return fmt.Errorf("decode chunk: %w", err)
			}
			if len(payload) > 0 {
				if err := onChunk(payload); err != nil {
					return err
				}
			}
			if chunk.Done {
				return nil
			}
			timer.Reset(timeout)
		case <-timer.C:
			metrics.NodeRequestTimeouts.Inc()
			return fmt.Errorf("request %s to node %s timed out after %s", msg.MessageType(), agent.NodeID, timeout)
		case <-agent.Done():
			return fmt.Errorf("agent %s disconnected", agent.NodeID)
		}
	}
}

// Dispatch routes a correlated reply to its waiter. It reports false
// when no pending entry matches, which the caller logs and drops.
func (c *Correlator) Dispatch(resp *protocol.Response) bool {
	c.mu.Lock()
	p, ok := c.pending[resp.RequestID]
	c.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case p.respCh <- resp:
	default:
	}
	return true
}

// DispatchChunk routes a stream chunk to its waiter. Delivery applies
// backpressure to the dispatching read loop while the waiter drains;
// an abandoned entry releases the dispatcher immediately.
func (c *Correlator) DispatchChunk(chunk *protocol.Chunk) bool {
	c.mu.Lock()
	p, ok := c.pending[chunk.RequestID]
	c.mu.Unlock()
	if !ok || p.chunkCh == nil {
		return false
	}

	select {
	case p.chunkCh <- chunk:
		return true
	case <-p.done:
		return false
	}
}
