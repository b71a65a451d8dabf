package gateway

import (
	"time"
)

// heartbeatWarnFraction of the timeout after which a quiet agent is
// logged before being expired.
const heartbeatWarnFraction = 0.8

// sweepLoop periodically expires agents whose heartbeats stopped.
// Liveness is judged from the in-memory heartbeat clock, not the store,
// so a slow database cannot make a healthy agent look dead.
func (g *Gateway) sweepLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.HeartbeatSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep(time.Now())
		case <-g.stopCh:
			return
		}
	}
}

// sweep expires every agent silent for longer than the heartbeat
// timeout: the socket is closed, the registry entry removed, and the
// node marked offline.
func (g *Gateway) sweep(now time.Time) {
	timeout := g.cfg.AgentHeartbeatTimeout
	warnAfter := time.Duration(float64(timeout) * heartbeatWarnFraction)

	for _, agent := range g.registry.Agents() {
		elapsed := now.Sub(agent.LastHeartbeat())
		switch {
		case elapsed > timeout:
			g.logger.Warn().
				Str("node_id", agent.NodeID).
				Dur("since_heartbeat", elapsed).
				Msg("Agent heartbeat timed out, expiring connection")
			agent.expired.Store(true)
			g.registry.RemoveAgent(agent)
			g.markNodeOffline(agent.NodeID)
		case elapsed > warnAfter:
			g.logger.Warn().
				Str("node_id", agent.NodeID).
				Dur("since_heartbeat", elapsed).
				Msg("Agent heartbeat approaching timeout")
		}
	}
}
