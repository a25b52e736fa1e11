package chatnode

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/chatmesh/internal/wire"
)

// ErrDuplicateLogin distinguishes the duplicate-username failure from
// a generic credential mismatch (spec.md §4.1, "Duplicate-login
// policy"); callers that only care about "did auth succeed" can ignore
// it, but tests assert on it with errors.Is.
var ErrDuplicateLogin = errors.New("username already logged in")

// ErrAuthFailed is the generic credential-mismatch failure (unknown
// username or wrong password).
var ErrAuthFailed = errors.New("authentication failed")

const (
	promptUsername = "Enter your username: "
	promptPassword = "Enter your password: "
	msgAuthOK      = "Authentication successful"
	msgAuthFail    = "Authentication failed"
)

// authenticate runs the AwaitingUsername -> AwaitingPassword ->
// AwaitingPublicKey -> Active state machine of spec.md §4.1. On
// success it inserts the session and the client's LOCAL presence
// entry before returning.
func (n *ChatNode) authenticate(conn wire.Transport) (*ClientSession, error) {
	if err := conn.WriteText(promptUsername); err != nil {
		return nil, fmt.Errorf("prompt username: %w", err)
	}
	username, err := conn.ReadText()
	if err != nil {
		return nil, fmt.Errorf("read username: %w", err)
	}
	username = strings.TrimSpace(username)

	if err := conn.WriteText(promptPassword); err != nil {
		return nil, fmt.Errorf("prompt password: %w", err)
	}
	password, err := conn.ReadText()
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}

	if !n.creds.Verify(username, password) {
		conn.WriteText(msgAuthFail)
		return nil, ErrAuthFailed
	}

	n.mu.RLock()
	_, exists := n.sessions[username]
	n.mu.RUnlock()
	if exists {
		conn.WriteText(msgAuthFail + ": " + ErrDuplicateLogin.Error())
		return nil, fmt.Errorf("%s: %w", username, ErrDuplicateLogin)
	}

	if err := conn.WriteText(msgAuthOK); err != nil {
		return nil, fmt.Errorf("send auth success: %w", err)
	}

	publicKey, err := conn.ReadText()
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}

	session := &ClientSession{Username: username, Conn: conn, PublicKey: publicKey}

	// Final duplicate check under the write lock closes the race
	// between the early check above and this insertion (spec.md §3,
	// "at most one session per username").
	n.mu.Lock()
	if _, exists := n.sessions[username]; exists {
		n.mu.Unlock()
		conn.WriteText(msgAuthFail + ": " + ErrDuplicateLogin.Error())
		return nil, fmt.Errorf("%s: %w", username, ErrDuplicateLogin)
	}
	n.sessions[username] = session
	n.mu.Unlock()

	if n.exchange != nil {
		n.exchange.UpdatePresence("LOCAL", username, username, publicKey)
	}

	n.log.WithField("user", username).Info("client authenticated")
	return session, nil
}
