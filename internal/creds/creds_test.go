package creds

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeCredsFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.txt")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestVerifyAcceptsMatchingPassword(t *testing.T) {
	path := writeCredsFile(t, "alice::"+sha256Hex("pw")+"\n")
	store, err := Load(path)
	require.NoError(t, err)

	require.True(t, store.Verify("alice", "pw"))
}

func TestVerifyRejectsWrongPassword(t *testing.T) {
	path := writeCredsFile(t, "alice::"+sha256Hex("pw")+"\n")
	store, err := Load(path)
	require.NoError(t, err)

	require.False(t, store.Verify("alice", "wrong"))
}

func TestVerifyRejectsUnknownUser(t *testing.T) {
	path := writeCredsFile(t, "alice::"+sha256Hex("pw")+"\n")
	store, err := Load(path)
	require.NoError(t, err)

	require.False(t, store.Verify("mallory", "pw"))
}

func TestLoadSkipsBlankAndMalformedLines(t *testing.T) {
	path := writeCredsFile(t, "\nalice::"+sha256Hex("pw")+"\nnotarecord\n")
	store, err := Load(path)
	require.NoError(t, err)
	require.True(t, store.Verify("alice", "pw"))
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}
