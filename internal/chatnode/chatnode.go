// Package chatnode implements the Chat Node (spec.md §4.1): the local
// client gateway. It terminates client websocket connections,
// authenticates them against a credential store, owns the local
// session table, and dispatches each client command to a local
// recipient, to all local clients, or — via the ExchangeGateway
// capability interface — to a remote site or to every peer.
package chatnode

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/example/chatmesh/internal/wire"
)

// ExchangeGateway is the narrow capability interface the Chat Node
// consumes from the Exchange Node (spec.md §9 "Cyclic reference").
// Implemented by *exchange.ExchangeNode; a mock satisfies it in tests
// so either side can be unit-tested without the other.
type ExchangeGateway interface {
	SendMessageToServer(targetSite, senderJid, targetUser, payload string) error
	SendFileToServer(targetSite, senderJid, targetUser, filename, payload string) error
	BroadcastMessage(senderJid, payload string)
	UpdatePresence(site, jid, nickname, publicKey string)
	RemovePresence(site, jid string)
}

// ClientSession is the record kept for one authenticated client,
// indexed by username in the Chat Node's session table (spec.md §3).
type ClientSession struct {
	Username  string
	Conn      wire.Transport
	PublicKey string
}

// ChatNode owns the local session table and the client-facing
// listener. Mirrors the teacher's Node type (types.go) in shape — a
// map of live connections guarded by one RWMutex — generalized from a
// flat peer set to a username-keyed session table per spec.md §3.
type ChatNode struct {
	siteName string
	listen   string
	creds    CredentialStore
	log      *logrus.Logger

	exchange ExchangeGateway

	mu       sync.RWMutex
	sessions map[string]*ClientSession

	upgrader websocket.Upgrader
}

// CredentialStore is the narrow interface the Chat Node needs from
// internal/creds.Store, kept small so tests can supply a stub.
type CredentialStore interface {
	Verify(username, password string) bool
}

// New constructs a Chat Node. SetExchange must be called once before
// Serve to complete the cyclic wiring with the Exchange Node (spec.md
// §9, "ownership and back-references... are explicit configuration at
// process start").
func New(siteName, listen string, store CredentialStore, log *logrus.Logger) *ChatNode {
	return &ChatNode{
		siteName: siteName,
		listen:   listen,
		creds:    store,
		log:      log,
		sessions: make(map[string]*ClientSession),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetExchange wires the back-reference to the Exchange Node.
func (n *ChatNode) SetExchange(gw ExchangeGateway) {
	n.exchange = gw
}

// Serve binds the client listener and runs until ctx is canceled. Each
// accepted connection is handled by its own goroutine, the
// cooperative-task-per-connection model of spec.md §5 mapped onto Go.
func (n *ChatNode) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", n.handleUpgrade)

	srv := &http.Server{Addr: n.listen, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		n.log.WithField("addr", n.listen).Info("chat node listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("chat node listener: %w", err)
		}
		return nil
	}
}

func (n *ChatNode) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.log.WithError(err).Warn("client upgrade failed")
		return
	}
	conn := wire.Wrap(ws)
	go n.handleClient(conn)
}

// handleClient runs the full lifecycle for one client connection:
// authenticate, then loop over active-mode frames until disconnect.
func (n *ChatNode) handleClient(conn wire.Transport) {
	session, err := n.authenticate(conn)
	if err != nil {
		n.log.WithError(err).Info("client authentication failed")
		conn.Close()
		return
	}

	n.activeLoop(session)
}

// jid returns the fully-qualified identifier for a local username.
func (n *ChatNode) jid(username string) string {
	return username + "@" + n.siteName
}

// disconnect tears down a session: removes it from the table and
// retracts its LOCAL presence entry. Used both for normal EXIT/close
// and for hard-disconnect-on-send-error per spec.md §7 item 4.
func (n *ChatNode) disconnect(session *ClientSession) {
	n.mu.Lock()
	if n.sessions[session.Username] == session {
		delete(n.sessions, session.Username)
	}
	n.mu.Unlock()

	session.Conn.Close()

	if n.exchange != nil {
		n.exchange.RemovePresence("LOCAL", session.Username)
	}
}

// sessionFor returns the live session for a local username, if any.
func (n *ChatNode) sessionFor(username string) (*ClientSession, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.sessions[username]
	return s, ok
}

// send writes a single frame to a session's transport; any write
// failure is treated as a hard disconnect for that client (spec.md §7
// item 4), isolated so it cannot affect other recipients.
func (n *ChatNode) send(session *ClientSession, frame string) error {
	if err := session.Conn.WriteText(frame); err != nil {
		n.log.WithError(err).WithField("user", session.Username).Warn("client send failed, disconnecting")
		n.disconnect(session)
		return err
	}
	return nil
}

// snapshotSessions returns a stable slice of the current session table
// for fan-out iteration, matching the teacher's pattern of holding the
// RLock only long enough to copy the map (node_impl.go's listPeers).
func (n *ChatNode) snapshotSessions() []*ClientSession {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*ClientSession, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s)
	}
	return out
}

func splitSiteUser(target string) (user, site string) {
	if idx := strings.LastIndex(target, "@"); idx >= 0 {
		return target[:idx], target[idx+1:]
	}
	return target, ""
}
