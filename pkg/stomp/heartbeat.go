package stomp

import (
	"time"

	"github.com/denwilliams/go-stomp-console/pkg/frame"
)

// negotiateHeartbeat applies the STOMP rule: each direction runs at the
// larger of the two requested intervals, and is off if either side offers 0.
// cx,cy are the client's values, sx,sy the broker's CONNECTED values.
func negotiateHeartbeat(cx, cy, sx, sy time.Duration) (outgoing, incoming time.Duration) {
	if cx > 0 && sy > 0 {
		outgoing = max(cx, sy)
	}
	if cy > 0 && sx > 0 {
		incoming = max(cy, sx)
	}
	return outgoing, incoming
}

func parseServerHeartbeat(f *frame.Frame) (sx, sy time.Duration, err error) {
	v, ok := f.Headers.Lookup(frame.HdrHeartBeat)
	if !ok {
		return 0, 0, nil
	}
	x, y, err := frame.ParseHeartBeat(v)
	if err != nil {
		return 0, 0, err
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond, nil
}

type heartbeat struct {
	outgoing  time.Duration
	incoming  time.Duration
	lastSent  time.Time
	lastRecv  time.Time
	sendTimer *time.Timer
	recvTimer *time.Timer
}

func (h *heartbeat) stop() {
	if h.sendTimer != nil {
		h.sendTimer.Stop()
		h.sendTimer = nil
	}
	if h.recvTimer != nil {
		h.recvTimer.Stop()
		h.recvTimer = nil
	}
	h.outgoing, h.incoming = 0, 0
}

// tolerance is how long the broker may stay silent.
func (h *heartbeat) tolerance() time.Duration {
	return h.incoming * heartbeatGrace
}

func (c *Client) startHeartbeats(gen uint64) {
	now := time.Now()
	c.hb.lastRecv = now
	if c.hb.outgoing > 0 {
		c.hb.sendTimer = c.afterFunc(c.hb.outgoing, gen, c.onSendTick)
	}
	if c.hb.incoming > 0 {
		c.hb.recvTimer = c.afterFunc(c.hb.tolerance(), gen, c.onRecvCheck)
	}
}

// onSendTick writes an EOL when nothing else went out for a full interval.
func (c *Client) onSendTick(gen uint64) {
	if c.currentState() != StateConnected {
		return
	}
	idle := time.Since(c.hb.lastSent)
	if idle >= c.hb.outgoing {
		if err := c.sendFrame(frame.Heartbeat()); err != nil {
			c.fail("Failed to send heartbeat: "+err.Error(), err, "transport")
			return
		}
		idle = 0
	}
	c.hb.sendTimer = c.afterFunc(c.hb.outgoing-idle, gen, c.onSendTick)
}

func (c *Client) onRecvCheck(gen uint64) {
	if c.currentState() != StateConnected {
		return
	}
	tolerance := c.hb.tolerance()
	silent := time.Since(c.hb.lastRecv)
	if silent >= tolerance {
		c.fail("No heartbeat from broker within "+tolerance.String(), ErrHeartbeatTimeout, "heartbeat")
		return
	}
	c.hb.recvTimer = c.afterFunc(tolerance-silent, gen, c.onRecvCheck)
}
