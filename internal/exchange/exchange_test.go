package exchange

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/example/chatmesh/internal/wire"
)

// fakeTransport is an in-memory wire.Transport. inbox preloads frames
// a peer "sends" us; sent records what we wrote back, letting the
// Exchange Node be unit-tested against a mock of its peers and of the
// Chat Node (spec.md §9).
type fakeTransport struct {
	mu     sync.Mutex
	inbox  []string
	sent   []string
	closed bool
}

func newFakeTransport(inbox ...string) *fakeTransport {
	return &fakeTransport{inbox: inbox}
}

func (c *fakeTransport) ReadText() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		return "", io.EOF
	}
	frame := c.inbox[0]
	c.inbox = c.inbox[1:]
	return frame, nil
}

func (c *fakeTransport) WriteText(payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("write on closed transport")
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeTransport) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeTransport) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

type failingTransport struct{ fakeTransport }

func (c *failingTransport) WriteText(string) error { return fmt.Errorf("boom") }

// mockChat records calls and satisfies ChatGateway.
type mockChat struct {
	mu               sync.Mutex
	delivered        []string
	broadcasts       []string
	filesDelivered   []string
	presenceFrames   []string
	deliverError     error
	fileDeliverError error
}

func (m *mockChat) SendMessageToClient(payload, senderJid, localUser string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, fmt.Sprintf("%s|%s|%s", localUser, senderJid, payload))
	return m.deliverError
}

func (m *mockChat) SendMessageToAllClients(senderJid, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, fmt.Sprintf("%s|%s", senderJid, payload))
}

func (m *mockChat) HandleFileTransfer(senderJid, localUser, filename, ciphertext string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filesDelivered = append(m.filesDelivered, fmt.Sprintf("%s|%s|%s|%s", localUser, senderJid, filename, ciphertext))
	return m.fileDeliverError
}

func (m *mockChat) BroadcastPresence(presenceEnvelopeText string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presenceFrames = append(m.presenceFrames, presenceEnvelopeText)
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestNode(t *testing.T, peerNames ...string) (*ExchangeNode, *mockChat) {
	t.Helper()
	peers := make([]PeerConfig, 0, len(peerNames))
	for i, name := range peerNames {
		peers = append(peers, PeerConfig{Name: name, Host: fmt.Sprintf("host%d", i), Port: 9000 + i})
	}
	node := New("s4", ":0", peers, testLogger())
	chat := &mockChat{}
	node.SetChat(chat)
	return node, chat
}

func TestLinkPrefersOutboundOverInbound(t *testing.T) {
	l := &link{}
	in := newFakeTransport()
	out := newFakeTransport()
	l.setInbound(in)
	require.Equal(t, wire.Transport(in), l.preferred())

	l.setOutbound(out)
	require.Equal(t, wire.Transport(out), l.preferred())
}

func TestLinkFallsBackToInboundWhenOutboundCleared(t *testing.T) {
	l := &link{}
	in := newFakeTransport()
	out := newFakeTransport()
	l.setInbound(in)
	l.setOutbound(out)
	l.clearOutbound(out)
	require.Equal(t, wire.Transport(in), l.preferred())
}

func TestSendEnvelopeDropsWithNoLiveTransport(t *testing.T) {
	node, _ := newTestNode(t, "s5")
	err := node.sendEnvelope("s5", wire.CheckEnvelope())
	require.Error(t, err)
}

func TestSendEnvelopeUnknownPeer(t *testing.T) {
	node, _ := newTestNode(t)
	err := node.sendEnvelope("nowhere", wire.CheckEnvelope())
	require.Error(t, err)
}

func TestSendEnvelopeResetsLinkOnWriteFailure(t *testing.T) {
	node, _ := newTestNode(t, "s5")
	bad := &failingTransport{}
	node.links["s5"].setOutbound(bad)

	err := node.sendEnvelope("s5", wire.CheckEnvelope())
	require.Error(t, err)
	require.Nil(t, node.links["s5"].preferred())
}

func TestDispatchCheckRepliesChecked(t *testing.T) {
	node, _ := newTestNode(t, "s5")
	conn := newFakeTransport()

	node.dispatch("s5", conn, wire.CheckEnvelope())

	require.Len(t, conn.frames(), 1)
	got, err := wire.Decode([]byte(conn.frames()[0]))
	require.NoError(t, err)
	require.Equal(t, wire.TagChecked, got.Tag)
}

func TestDispatchCheckedIsNoop(t *testing.T) {
	node, _ := newTestNode(t, "s5")
	conn := newFakeTransport()

	node.dispatch("s5", conn, wire.CheckedEnvelope())

	require.Empty(t, conn.frames())
}

func TestDispatchAttendanceRepliesWithLocalPresence(t *testing.T) {
	node, _ := newTestNode(t, "s5")
	node.UpdatePresence("LOCAL", "alice", "alice", "PEM")
	conn := newFakeTransport()

	node.dispatch("s5", conn, wire.AttendanceEnvelope())

	require.Len(t, conn.frames(), 1)
	got, err := wire.Decode([]byte(conn.frames()[0]))
	require.NoError(t, err)
	require.Equal(t, wire.TagPresence, got.Tag)
	require.Len(t, got.Presence, 1)
	require.Equal(t, "alice@s4", got.Presence[0].JID)
}

func TestDispatchPresenceReplacesBucketAndPushesToLocalClientsOnly(t *testing.T) {
	node, chat := newTestNode(t, "s5")
	conn := newFakeTransport()

	env := wire.PresenceEnvelope([]wire.PresenceEntry{{Nickname: "bob", JID: "bob@s5", PublicKey: "PEM2"}})
	node.dispatch("s5", conn, env)

	flat := node.directory.Flatten()
	require.Len(t, flat, 1)
	require.Equal(t, "bob@s5", flat[0].JID)
	require.Len(t, chat.presenceFrames, 1)
}

func TestRouteMessagePublicGoesToAllClients(t *testing.T) {
	node, chat := newTestNode(t)
	node.routeMessage(wire.MessageEnvelope("alice@s5", "public", "hi"))

	require.Equal(t, []string{"alice@s5|hi"}, chat.broadcasts)
}

func TestRouteMessageToKnownLocalUser(t *testing.T) {
	node, chat := newTestNode(t)
	node.UpdatePresence("LOCAL", "bob", "bob", "PEM")
	chat.presenceFrames = nil // UpdatePresence fans to chat, ignore for this assertion

	node.routeMessage(wire.MessageEnvelope("alice@s5", "bob@s4", "hey"))

	require.Equal(t, []string{"bob|alice@s5|hey"}, chat.delivered)
}

func TestRouteMessageToUnknownUserIsSilentlyDropped(t *testing.T) {
	node, chat := newTestNode(t)
	node.routeMessage(wire.MessageEnvelope("alice@s5", "mallory@s4", "hey"))
	require.Empty(t, chat.delivered)
}

func TestRouteMessageWrongSiteIsDropped(t *testing.T) {
	node, chat := newTestNode(t)
	node.UpdatePresence("LOCAL", "bob", "bob", "PEM")
	node.routeMessage(wire.MessageEnvelope("alice@s5", "bob@s9", "hey"))
	require.Empty(t, chat.delivered)
}

func TestRouteFileMintsFilenameWhenMissing(t *testing.T) {
	node, chat := newTestNode(t)
	node.UpdatePresence("LOCAL", "bob", "bob", "PEM")

	env := wire.FileEnvelope("alice@s5", "bob@s4", "", "ciphertext")
	node.routeFile(env)

	require.Len(t, chat.filesDelivered, 1)
	require.Contains(t, chat.filesDelivered[0], ".bin")
}

func TestUpdatePresenceLocalFansToPeersAndClients(t *testing.T) {
	node, chat := newTestNode(t, "s5")
	peerConn := newFakeTransport()
	node.links["s5"].setOutbound(peerConn)

	node.UpdatePresence("LOCAL", "alice", "alice", "PEM")

	require.Len(t, chat.presenceFrames, 1)
	require.Len(t, peerConn.frames(), 1)
	got, err := wire.Decode([]byte(peerConn.frames()[0]))
	require.NoError(t, err)
	require.Equal(t, wire.TagPresence, got.Tag)
}

func TestUpdatePresenceNonLocalDoesNotFanToPeers(t *testing.T) {
	node, chat := newTestNode(t, "s5")
	peerConn := newFakeTransport()
	node.links["s5"].setOutbound(peerConn)

	node.UpdatePresence("s6", "carol@s6", "carol", "PEM")

	require.Len(t, chat.presenceFrames, 1)
	require.Empty(t, peerConn.frames())
}

func TestEnvelopeLoopDispatchesUntilTransportCloses(t *testing.T) {
	node, _ := newTestNode(t, "s5")
	checkFrame, err := wire.CheckEnvelope().Encode()
	require.NoError(t, err)

	conn := newFakeTransport(string(checkFrame))
	node.envelopeLoop("s5", conn)

	require.Len(t, conn.frames(), 1)
	got, err := wire.Decode([]byte(conn.frames()[0]))
	require.NoError(t, err)
	require.Equal(t, wire.TagChecked, got.Tag)
}

func TestEnvelopeLoopSkipsMalformedFrames(t *testing.T) {
	node, chat := newTestNode(t)
	conn := newFakeTransport("not json", mustEncodeForTest(t, wire.MessageEnvelope("alice@s5", "public", "hi")))

	node.envelopeLoop("s5", conn)

	require.Equal(t, []string{"alice@s5|hi"}, chat.broadcasts)
}

func mustEncodeForTest(t *testing.T, env wire.Envelope) string {
	t.Helper()
	b, err := env.Encode()
	require.NoError(t, err)
	return string(b)
}
