// Package presence implements the federated presence directory jointly
// owned by the Exchange Node (spec.md §4.3): a two-level mapping from
// site name to jid to Presence record, with a LOCAL bucket for this
// site's own users.
package presence

import "sync"

// LocalBucket is the reserved site-name key holding presences owned by
// this site, per spec.md §3.
const LocalBucket = "LOCAL"

// Presence is a publicly advertised record naming a reachable jid.
type Presence struct {
	Nickname  string
	JID       string
	PublicKey string
}

// Directory is a mapping from site name to jid to Presence, safe for
// concurrent use. The teacher has no direct analogue (p2pchat has a
// flat KnownPeers set, not a two-level directory), so the locking
// shape here follows the teacher's general pattern in types.go/
// node_impl.go: one RWMutex guarding one map, read methods take RLock,
// mutators take Lock.
type Directory struct {
	mu      sync.RWMutex
	buckets map[string]map[string]Presence
}

// New returns an empty directory.
func New() *Directory {
	return &Directory{buckets: make(map[string]map[string]Presence)}
}

// Put inserts or replaces a single presence entry in the named bucket.
func (d *Directory) Put(site string, p Presence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buckets[site] == nil {
		d.buckets[site] = make(map[string]Presence)
	}
	d.buckets[site][p.JID] = p
}

// Remove deletes a single jid from the named bucket, if present.
func (d *Directory) Remove(site, jid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buckets[site], jid)
}

// ReplaceBucket wholesale-replaces the named bucket's contents, used
// when an inbound `presence` envelope arrives from a peer (spec.md
// §4.2, updateGroupPresence).
func (d *Directory) ReplaceBucket(site string, entries []Presence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fresh := make(map[string]Presence, len(entries))
	for _, p := range entries {
		fresh[p.JID] = p
	}
	d.buckets[site] = fresh
}

// Local returns a snapshot slice of the LOCAL bucket's entries.
func (d *Directory) Local() []Presence {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return snapshot(d.buckets[LocalBucket])
}

// Flatten returns the union over every site bucket. Per spec.md §3(b)
// invariant, a well-formed directory never has the same jid in two
// buckets, so no dedup is performed here beyond what a map naturally
// gives within one bucket.
func (d *Directory) Flatten() []Presence {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Presence
	for _, bucket := range d.buckets {
		out = append(out, snapshot(bucket)...)
	}
	return out
}

func snapshot(bucket map[string]Presence) []Presence {
	out := make([]Presence, 0, len(bucket))
	for _, p := range bucket {
		out = append(out, p)
	}
	return out
}
