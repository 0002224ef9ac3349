package ws

import (
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"` // how often to ping (default: 30s)
	Timeout  time.Duration `yaml:"timeout"`  // extra grace after Interval before a silent client is evicted
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat runs until the server's done channel is closed, pinging every
// connection each Interval and evicting those that have been silent for
// longer than Interval + Timeout.
func (s *Server) startHeartbeat(config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case now := <-ticker.C:
				s.checkConnections(config, now)
			}
		}
	}()
}

// checkConnections evicts stale connections and sends a WebSocket-level ping
// frame to the rest. Browsers answer pings with a pong automatically, which
// counts as activity in handleConn.
func (s *Server) checkConnections(config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			s.logger.Info().
				Str("conn", c.ID).
				Dur("idle", idle.Round(time.Second)).
				Msg("heartbeat timeout")
			s.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			s.logger.Info().Err(err).Str("conn", c.ID).Msg("heartbeat ping failed")
			s.RemoveConnection(c)
		}
	}
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection, serialized with other outbound frames by the write mutex.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
