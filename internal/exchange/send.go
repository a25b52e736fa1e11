package exchange

import (
	"fmt"

	"github.com/example/chatmesh/internal/wire"
)

// sendEnvelope wraps spec.md §4.2's "Outbound send helpers" shared
// behavior: pick the preferred transport, write the frame, and on any
// write error reset whichever of this peer's transport slots held the
// failed connection so the dialer loop (for outbound) or the next
// inbound accept (for inbound) re-establishes it.
func (n *ExchangeNode) sendEnvelope(peerName string, env wire.Envelope) error {
	l, ok := n.links[peerName]
	if !ok {
		return fmt.Errorf("unknown peer %q", peerName)
	}

	conn := l.preferred()
	if conn == nil {
		return fmt.Errorf("no live transport to peer %q (dropped, no queuing)", peerName)
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}

	if err := conn.WriteText(string(data)); err != nil {
		l.clearOutbound(conn)
		l.clearInbound(conn)
		conn.Close()
		n.log.WithError(err).WithField("peer", peerName).Warn("peer send failed, transport reset")
		return fmt.Errorf("send to peer %q: %w", peerName, err)
	}
	return nil
}

// SendMessageToServer forwards a client's direct message bound for a
// remote site (ExchangeGateway, consumed by the Chat Node).
func (n *ExchangeNode) SendMessageToServer(targetSite, senderJid, targetUser, payload string) error {
	env := wire.MessageEnvelope(senderJid, targetUser+"@"+targetSite, payload)
	return n.sendEnvelope(targetSite, env)
}

// SendFileToServer forwards a client's file transfer bound for a
// remote site.
func (n *ExchangeNode) SendFileToServer(targetSite, senderJid, targetUser, filename, payload string) error {
	env := wire.FileEnvelope(senderJid, targetUser+"@"+targetSite, filename, payload)
	return n.sendEnvelope(targetSite, env)
}

// BroadcastMessage forwards a client's unaddressed broadcast to every
// connected peer as a `message` envelope with to="public" (spec.md
// §4.1, "Any other non-empty frame").
func (n *ExchangeNode) BroadcastMessage(senderJid, payload string) {
	env := wire.MessageEnvelope(senderJid, "public", payload)
	for name := range n.peers {
		if err := n.sendEnvelope(name, env); err != nil {
			n.log.WithError(err).WithField("peer", name).Debug("broadcast message not delivered")
		}
	}
}

// broadcastPresenceToPeers sends this site's LOCAL presence view to
// every connected peer (spec.md §3(c)).
func (n *ExchangeNode) broadcastPresenceToPeers() {
	env := wire.PresenceEnvelope(toWire(n.directory.Local()))
	for name := range n.peers {
		if err := n.sendEnvelope(name, env); err != nil {
			n.log.WithError(err).WithField("peer", name).Debug("presence broadcast not delivered")
		}
	}
}
