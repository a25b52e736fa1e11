package presence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutAndFlatten(t *testing.T) {
	d := New()
	d.Put(LocalBucket, Presence{Nickname: "alice", JID: "alice@s4", PublicKey: "PEM"})
	d.Put("s5", Presence{Nickname: "bob", JID: "bob@s5", PublicKey: "PEM2"})

	flat := d.Flatten()
	require.Len(t, flat, 2)
}

func TestFlattenHasNoDuplicateJID(t *testing.T) {
	d := New()
	d.Put(LocalBucket, Presence{JID: "alice@s4"})
	d.Put(LocalBucket, Presence{JID: "alice@s4"}) // overwrite, not duplicate
	d.Put("s5", Presence{JID: "bob@s5"})

	seen := map[string]bool{}
	for _, p := range d.Flatten() {
		require.False(t, seen[p.JID], "duplicate jid in flat view: %s", p.JID)
		seen[p.JID] = true
	}
	require.Len(t, seen, 2)
}

func TestRemove(t *testing.T) {
	d := New()
	d.Put(LocalBucket, Presence{JID: "alice@s4"})
	d.Remove(LocalBucket, "alice@s4")
	require.Empty(t, d.Local())
}

func TestReplaceBucketWholesale(t *testing.T) {
	d := New()
	d.Put("s5", Presence{JID: "bob@s5"})
	d.ReplaceBucket("s5", []Presence{{JID: "carol@s5"}})

	flat := d.Flatten()
	require.Len(t, flat, 1)
	require.Equal(t, "carol@s5", flat[0].JID)
}

func TestLocalOnlyReturnsLocalBucket(t *testing.T) {
	d := New()
	d.Put(LocalBucket, Presence{JID: "alice@s4"})
	d.Put("s5", Presence{JID: "bob@s5"})

	local := d.Local()
	require.Len(t, local, 1)
	require.Equal(t, "alice@s4", local[0].JID)
}
