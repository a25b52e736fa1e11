// Package exchange implements the Exchange Node (spec.md §4.2): the
// inter-site gossip/forwarding peer. It maintains a dual-channel link
// to every configured peer, owns the federated presence directory,
// and routes message/file envelopes between sites.
package exchange

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/example/chatmesh/internal/presence"
	"github.com/example/chatmesh/internal/wire"
)

// ChatGateway is the narrow capability interface the Exchange Node
// consumes from the Chat Node (spec.md §9 "Cyclic reference").
// Implemented by *chatnode.ChatNode.
type ChatGateway interface {
	SendMessageToClient(payload, senderJid, localUser string) error
	SendMessageToAllClients(senderJid, payload string)
	HandleFileTransfer(senderJid, localUser, filename, ciphertext string) error
	BroadcastPresence(presenceEnvelopeText string)
}

// PeerConfig names one configured remote site's Exchange Node.
type PeerConfig struct {
	Name string
	Host string
	Port int
}

func (p PeerConfig) dialURL() string {
	return fmt.Sprintf("ws://%s:%d", p.Host, p.Port)
}

// link is the per-peer transport pair of spec.md §3 (PeerLink):
// inbound (accepted from the peer) and outbound (dialed to the peer).
// Either, both, or neither may be present.
type link struct {
	mu       sync.RWMutex
	inbound  wire.Transport
	outbound wire.Transport
}

// preferred returns the transport to use for sending, per spec.md §3:
// outbound when present, else inbound.
func (l *link) preferred() wire.Transport {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.outbound != nil {
		return l.outbound
	}
	return l.inbound
}

func (l *link) setInbound(c wire.Transport) {
	l.mu.Lock()
	l.inbound = c
	l.mu.Unlock()
}

func (l *link) setOutbound(c wire.Transport) {
	l.mu.Lock()
	l.outbound = c
	l.mu.Unlock()
}

func (l *link) clearOutbound(c wire.Transport) {
	l.mu.Lock()
	if l.outbound == c {
		l.outbound = nil
	}
	l.mu.Unlock()
}

func (l *link) clearInbound(c wire.Transport) {
	l.mu.Lock()
	if l.inbound == c {
		l.inbound = nil
	}
	l.mu.Unlock()
}

// ExchangeNode owns the peer table and the federated presence
// directory. Construction mirrors the teacher's NewNode (node.go): a
// listener plus a set of maps guarded by mutexes, generalized here
// from one flat peer set to a name-keyed table of dual-channel links.
type ExchangeNode struct {
	siteName string
	listen   string
	peers    map[string]PeerConfig // by name
	byHost   map[string]string     // host -> name, for inbound identity lookup

	log *logrus.Logger

	linksMu sync.RWMutex
	links   map[string]*link // by peer name

	directory *presence.Directory

	chat ChatGateway

	upgrader websocket.Upgrader
}

// New constructs an Exchange Node for siteName, listening on listen,
// with the given configured peers. SetChat must be called once before
// Serve to complete the cyclic wiring (spec.md §9).
func New(siteName, listen string, peers []PeerConfig, log *logrus.Logger) *ExchangeNode {
	n := &ExchangeNode{
		siteName:  siteName,
		listen:    listen,
		peers:     make(map[string]PeerConfig, len(peers)),
		byHost:    make(map[string]string, len(peers)),
		links:     make(map[string]*link, len(peers)),
		directory: presence.New(),
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, p := range peers {
		n.peers[p.Name] = p
		n.byHost[p.Host] = p.Name
		n.links[p.Name] = &link{}
	}
	return n
}

// SetChat wires the back-reference to the Chat Node.
func (n *ExchangeNode) SetChat(gw ChatGateway) {
	n.chat = gw
}

// Directory exposes the federated presence directory for read-only
// inspection, used by tests driving a real ExchangeNode/ChatNode pair
// together (spec.md §9, "Either side can be unit-tested against a
// mock of the other" implies the converse also holds: the pair can be
// wired for real and inspected end-to-end).
func (n *ExchangeNode) Directory() *presence.Directory {
	return n.directory
}

// Peers returns the configured peer list, used by the process
// entrypoint to launch one dialer task per peer.
func (n *ExchangeNode) Peers() []PeerConfig {
	out := make([]PeerConfig, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// Serve binds the peer listener and runs until ctx is canceled.
func (n *ExchangeNode) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", n.handleUpgrade)

	srv := &http.Server{Addr: n.listen, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		n.log.WithField("addr", n.listen).Info("exchange node listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("exchange node listener: %w", err)
		}
		return nil
	}
}

// handleUpgrade accepts an inbound peer connection and identifies it
// by source host (spec.md §4.2, "Peer identity"); unknown hosts are
// closed immediately (spec.md §7 item 6).
func (n *ExchangeNode) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.log.WithError(err).Warn("peer upgrade failed")
		return
	}
	conn := wire.Wrap(ws)

	name, ok := n.byHost[conn.RemoteHost()]
	if !ok {
		n.log.WithField("host", conn.RemoteHost()).Warn("rejecting connection from unknown peer host")
		conn.Close()
		return
	}

	l := n.links[name]
	l.setInbound(conn)
	n.log.WithField("peer", name).Info("accepted inbound peer link")

	go func() {
		n.envelopeLoop(name, conn)
		l.clearInbound(conn)
	}()
}

// mintedFilename produces a UUID-derived filename when a routed `file`
// envelope omits one (spec.md §4.2 routing).
func mintedFilename() string {
	return uuid.NewString() + ".bin"
}
