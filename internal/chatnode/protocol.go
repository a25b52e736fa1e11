package chatnode

import (
	"fmt"
	"strings"
)

// activeLoop reads frames from an authenticated session and dispatches
// them per the active command grammar (spec.md §4.1) until the
// transport closes.
func (n *ChatNode) activeLoop(session *ClientSession) {
	for {
		frame, err := session.Conn.ReadText()
		if err != nil {
			n.log.WithField("user", session.Username).Debug("client transport closed")
			n.disconnect(session)
			return
		}

		trimmed := strings.TrimSpace(frame)
		if strings.EqualFold(trimmed, "EXIT") {
			n.disconnect(session)
			return
		}
		if trimmed == "" {
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "@"):
			n.handleDirect(session, trimmed)
		case strings.HasPrefix(frame, "FILE "):
			n.handleFile(session, frame)
		default:
			n.handleBroadcast(session, trimmed)
		}
	}
}

// handleDirect implements "@<user>[@<site>] <payload>".
func (n *ChatNode) handleDirect(session *ClientSession, frame string) {
	rest := strings.TrimPrefix(frame, "@")
	sp := strings.SplitN(rest, " ", 2)
	if len(sp) != 2 {
		return
	}
	target, payload := sp[0], sp[1]
	targetUser, targetSite := splitSiteUser(target)

	if targetSite == "" || targetSite == n.siteName {
		n.deliverLocal(session, targetUser, payload)
		return
	}

	if n.exchange != nil {
		if err := n.exchange.SendMessageToServer(targetSite, n.jid(session.Username), targetUser, payload); err != nil {
			n.log.WithError(err).WithField("site", targetSite).Warn("forward to exchange node failed")
		}
	}
}

// deliverLocal is §4.1.a local direct delivery.
func (n *ChatNode) deliverLocal(sender *ClientSession, targetUser, payload string) {
	target, ok := n.sessionFor(targetUser)
	if !ok {
		n.send(sender, fmt.Sprintf("User %s not found.", targetUser))
		return
	}
	n.send(target, fmt.Sprintf("@%s to %s: %s", n.jid(sender.Username), targetUser, payload))
}

// handleFile implements "FILE <user>@<site> <filename> <ciphertext>".
func (n *ChatNode) handleFile(session *ClientSession, frame string) {
	rest := strings.TrimPrefix(frame, "FILE ")
	sp := strings.SplitN(rest, " ", 3)
	if len(sp) != 3 {
		n.send(session, "Invalid FILE command")
		return
	}
	target, filename, ciphertext := sp[0], sp[1], sp[2]
	targetUser, targetSite := splitSiteUser(target)
	if targetUser == "" || targetSite == "" {
		n.send(session, "Invalid FILE command")
		return
	}

	if targetSite == n.siteName {
		n.deliverLocalFile(session, targetUser, filename, ciphertext)
		return
	}

	if n.exchange != nil {
		if err := n.exchange.SendFileToServer(targetSite, n.jid(session.Username), targetUser, filename, ciphertext); err != nil {
			n.log.WithError(err).WithField("site", targetSite).Warn("forward file to exchange node failed")
		}
	}
}

// deliverLocalFile is §4.1.b local file delivery.
func (n *ChatNode) deliverLocalFile(sender *ClientSession, targetUser, filename, ciphertext string) {
	target, ok := n.sessionFor(targetUser)
	if !ok {
		if sender != nil {
			n.send(sender, fmt.Sprintf("User %s not found.", targetUser))
		}
		return
	}
	n.send(target, fmt.Sprintf("FILE %s %s %s", n.jid(sender.Username), ciphertext, filename))
}

// handleBroadcast fans a plain frame out to every other local client
// and forwards it to every peer as a public message envelope.
func (n *ChatNode) handleBroadcast(session *ClientSession, payload string) {
	n.localBroadcast(session, payload)

	if n.exchange != nil {
		n.exchange.BroadcastMessage(n.jid(session.Username), payload)
	}
}

// localBroadcast fans a locally originated broadcast out to every other
// local client, excluding the sender (self-echo suppression, spec.md
// §8). Framed as "<username>: <payload>", distinct from the
// "BROADCAST from <jid>: <payload>" framing federated relays get via
// SendMessageToAllClients.
func (n *ChatNode) localBroadcast(sender *ClientSession, payload string) {
	frame := fmt.Sprintf("%s: %s", sender.Username, payload)
	for _, s := range n.snapshotSessions() {
		if s == sender {
			continue
		}
		n.send(s, frame)
	}
}

// --- ChatGateway: operations consumed by the Exchange Node (spec.md §4.1) ---

// SendMessageToClient delivers a routed direct message to a local
// recipient. Returns an error (and never disconnects the caller's own
// transport, since the caller is the Exchange Node, not a client) when
// the recipient is unknown, matching §4.2's "drop with a warning" for
// routing misses.
func (n *ChatNode) SendMessageToClient(payload, senderJid, localUser string) error {
	target, ok := n.sessionFor(localUser)
	if !ok {
		return fmt.Errorf("unknown local user %q", localUser)
	}
	return n.send(target, fmt.Sprintf("@%s to %s: %s", senderJid, localUser, payload))
}

// SendMessageToAllClients fans a federated broadcast, relayed in by the
// Exchange Node, out to every local client. Matches the ChatGateway
// interface exactly; the sender is never a local session here, so there
// is nothing to exclude (see localBroadcast for the locally originated
// case, which does exclude the sender).
func (n *ChatNode) SendMessageToAllClients(senderJid, payload string) {
	frame := fmt.Sprintf("BROADCAST from %s: %s", senderJid, payload)
	for _, s := range n.snapshotSessions() {
		n.send(s, frame)
	}
}

// HandleFileTransfer delivers a routed file transfer to a local
// recipient. The spec.md §4.1 signature for this operation
// (handleFileTransfer(localUser, filename, ciphertext)) omits the
// sender; original_source/server/chat_server.py's
// handle_file_transfer(sender_username, target_username, ...) carries
// it, and the wire frame format "FILE <sender-jid> <ciphertext>
// <filename>" requires it, so senderJid is kept as a parameter here.
func (n *ChatNode) HandleFileTransfer(senderJid, localUser, filename, ciphertext string) error {
	target, ok := n.sessionFor(localUser)
	if !ok {
		return fmt.Errorf("unknown local user %q", localUser)
	}
	return n.send(target, fmt.Sprintf("FILE %s %s %s", senderJid, ciphertext, filename))
}

// BroadcastPresence fans a whole presence snapshot frame out to every
// local client (spec.md §3(c)/(d)).
func (n *ChatNode) BroadcastPresence(presenceEnvelopeText string) {
	for _, s := range n.snapshotSessions() {
		n.send(s, presenceEnvelopeText)
	}
}
