package exchange

import (
	"strings"

	"github.com/example/chatmesh/internal/presence"
	"github.com/example/chatmesh/internal/wire"
)

// envelopeLoop is the per-transport frame loop shared by inbound and
// outbound links (spec.md §4.2, "Envelope-processing loop"). It runs
// until the transport closes; each recipient send elsewhere is its own
// suspension point, so a stall here only stalls this one transport.
func (n *ExchangeNode) envelopeLoop(peerName string, conn wire.Transport) {
	for {
		frame, err := conn.ReadText()
		if err != nil {
			n.log.WithField("peer", peerName).Debug("peer transport closed")
			return
		}

		env, err := wire.Decode([]byte(frame))
		if err != nil {
			n.log.WithError(err).WithField("peer", peerName).Warn("malformed envelope, skipping")
			continue
		}

		n.dispatch(peerName, conn, env)
	}
}

func (n *ExchangeNode) dispatch(peerName string, conn wire.Transport, env wire.Envelope) {
	switch env.Tag {
	case wire.TagCheck:
		conn.WriteText(mustEncode(wire.CheckedEnvelope()))

	case wire.TagChecked:
		// liveness signal only, no-op

	case wire.TagAttendance:
		conn.WriteText(mustEncode(wire.PresenceEnvelope(toWire(n.directory.Local()))))

	case wire.TagPresence:
		n.updateGroupPresence(peerName, fromWire(env.Presence))

	case wire.TagMessage:
		n.routeMessage(env)

	case wire.TagFile:
		n.routeFile(env)

	default:
		// unknown tag, ignored per spec.md §6
	}
}

// routeMessage implements spec.md §4.2 "Routing of message/file" for
// the message kind.
func (n *ExchangeNode) routeMessage(env wire.Envelope) {
	if env.From == "" || env.To == "" || env.Info == "" {
		n.log.Warn("dropping message envelope with empty required field")
		return
	}

	if env.To == "public" {
		if n.chat != nil {
			n.chat.SendMessageToAllClients(env.From, env.Info)
		}
		return
	}

	targetUser, targetSite, ok := n.localTarget(env.To)
	if !ok {
		return
	}

	if n.chat == nil {
		return
	}
	if err := n.chat.SendMessageToClient(env.Info, env.From, targetUser); err != nil {
		n.log.WithError(err).WithField("site", targetSite).Warn("routing miss: unknown local user")
	}
}

// routeFile implements spec.md §4.2 routing for the file kind.
func (n *ExchangeNode) routeFile(env wire.Envelope) {
	if env.From == "" || env.To == "" || env.Info == "" {
		n.log.Warn("dropping file envelope with empty required field")
		return
	}

	targetUser, targetSite, ok := n.localTarget(env.To)
	if !ok {
		return
	}

	filename := env.Filename
	if filename == "" {
		filename = mintedFilename()
	}

	if n.chat == nil {
		return
	}
	if err := n.chat.HandleFileTransfer(env.From, targetUser, filename, env.Info); err != nil {
		n.log.WithError(err).WithField("site", targetSite).Warn("routing miss: unknown local user")
	}
}

// localTarget splits "<user>@<site>" and reports whether it names a
// user in our LOCAL bucket. A site mismatch or unknown user both drop
// the envelope (with a warning for the site mismatch, silently for an
// unknown user, per spec.md §7 item 3 "peer-originated misses").
func (n *ExchangeNode) localTarget(to string) (user, site string, ok bool) {
	idx := strings.LastIndex(to, "@")
	if idx < 0 {
		return "", "", false
	}
	user, site = to[:idx], to[idx+1:]
	if site != n.siteName {
		n.log.WithField("site", site).Warn("routing miss: envelope addressed to another site")
		return "", "", false
	}
	for _, p := range n.directory.Local() {
		if p.JID == to {
			return user, site, true
		}
	}
	return "", "", false
}

// --- Presence propagation operations (spec.md §4.2) ---

// UpdatePresence inserts or replaces a single presence entry. If
// site=="LOCAL", jid is rewritten to "<jid>@<thisSite>" before
// insertion, matching the bare-username jid the Chat Node passes in on
// client auth.
func (n *ExchangeNode) UpdatePresence(site, jid, nickname, publicKey string) {
	if site == presence.LocalBucket {
		jid = jid + "@" + n.siteName
	}
	n.directory.Put(site, presence.Presence{Nickname: nickname, JID: jid, PublicKey: publicKey})
	n.fanOutPresenceChange(site)
}

// RemovePresence removes a single presence entry, applying the same
// LOCAL jid rewrite as UpdatePresence so the key matches what was
// inserted.
func (n *ExchangeNode) RemovePresence(site, jid string) {
	if site == presence.LocalBucket {
		jid = jid + "@" + n.siteName
	}
	n.directory.Remove(site, jid)
	n.fanOutPresenceChange(site)
}

// updateGroupPresence handles an inbound `presence` envelope from peer
// peerName: wholesale-replace that bucket, then fan out the flattened
// view to local clients only (spec.md §9(c): peer rebroadcast is
// restricted to LOCAL-only changes, so unlike UpdatePresence this never
// re-broadcasts to other peers).
func (n *ExchangeNode) updateGroupPresence(peerName string, entries []presence.Presence) {
	n.directory.ReplaceBucket(peerName, entries)
	if n.chat != nil {
		n.chat.BroadcastPresence(mustEncode(wire.PresenceEnvelope(toWire(n.directory.Flatten()))))
	}
}

// fanOutPresenceChange implements the broadcast rules of spec.md §3(c)/(d):
// any directory mutation broadcasts the flattened view to local
// clients; a LOCAL mutation additionally broadcasts the LOCAL view to
// every connected peer.
func (n *ExchangeNode) fanOutPresenceChange(site string) {
	if n.chat != nil {
		n.chat.BroadcastPresence(mustEncode(wire.PresenceEnvelope(toWire(n.directory.Flatten()))))
	}
	if site == presence.LocalBucket {
		n.broadcastPresenceToPeers()
	}
}

func toWire(ps []presence.Presence) []wire.PresenceEntry {
	out := make([]wire.PresenceEntry, 0, len(ps))
	for _, p := range ps {
		out = append(out, wire.PresenceEntry{Nickname: p.Nickname, JID: p.JID, PublicKey: p.PublicKey})
	}
	return out
}

func fromWire(entries []wire.PresenceEntry) []presence.Presence {
	out := make([]presence.Presence, 0, len(entries))
	for _, e := range entries {
		out = append(out, presence.Presence{Nickname: e.Nickname, JID: e.JID, PublicKey: e.PublicKey})
	}
	return out
}

func mustEncode(env wire.Envelope) string {
	b, err := env.Encode()
	if err != nil {
		// Envelope is always one of our own well-formed values here;
		// a marshal failure would mean a programming error.
		return `{"tag":""}`
	}
	return string(b)
}
