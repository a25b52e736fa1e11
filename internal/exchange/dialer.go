package exchange

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/chatmesh/internal/wire"
)

// pollInterval is the fixed 10-second cadence of spec.md §4.2's
// "Outbound dialer loop".
const pollInterval = 10 * time.Second

// RunDialer is the per-peer outbound dialer task (spec.md §4.2): if
// the peer has no live outbound transport, attempt to dial it; on
// success, send an attendance envelope and run the envelope-processing
// loop; on failure, wait out the poll interval before retrying. The
// loop is cancellable via ctx; cancellation aborts an in-flight wait
// cleanly (spec.md §5, "Cancellation and timeouts").
func (n *ExchangeNode) RunDialer(ctx context.Context, peer PeerConfig) {
	l := n.links[peer.Name]

	for {
		if !l.outboundLive() {
			n.attemptDial(peer, l)
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// outboundLive reports whether this peer currently has a live
// outbound transport.
func (l *link) outboundLive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.outbound != nil
}

func (n *ExchangeNode) attemptDial(peer PeerConfig, l *link) {
	ws, _, err := websocket.DefaultDialer.Dial(peer.dialURL(), nil)
	if err != nil {
		n.log.WithError(err).WithField("peer", peer.Name).Debug("dial attempt failed")
		return
	}

	conn := wire.Wrap(ws)
	l.setOutbound(conn)
	n.log.WithField("peer", peer.Name).Info("dialed outbound peer link")

	if err := conn.WriteText(mustEncode(wire.AttendanceEnvelope())); err != nil {
		l.clearOutbound(conn)
		conn.Close()
		return
	}

	n.envelopeLoop(peer.Name, conn)
	l.clearOutbound(conn)
}

// RunLivenessPinger sends a `check` envelope to peer once per poll
// interval (SPEC_FULL.md §12, supplementing the already-specified
// check/checked envelope kinds of spec.md §4.2 with an actual
// periodic exerciser). A dropped link simply means sendEnvelope
// returns an error, logged and ignored — the dialer loop, not this
// pinger, is responsible for reconnecting.
func (n *ExchangeNode) RunLivenessPinger(ctx context.Context, peer PeerConfig) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.sendEnvelope(peer.Name, wire.CheckEnvelope()); err != nil {
				n.log.WithField("peer", peer.Name).Debug("liveness check not delivered")
			}
		}
	}
}
