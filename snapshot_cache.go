package mirror

import lru "github.com/hashicorp/golang-lru"

// SnapshotCache remembers snapshots by content name. It also lets
// SaveSnapshot skip re-storing, so use a separate cache per Persist.
type SnapshotCache interface {
	// Add records a snapshot that has been stored or loaded.
	Add(key, value interface{})
	// Contains indicates the named snapshot has already been stored.
	Contains(key interface{}) bool
	// Get retrieves an already-decoded snapshot.
	Get(key interface{}) (value interface{}, ok bool)
}

// NewSnapshotCache creates an ARC cache holding up to size snapshots.
func NewSnapshotCache(size int) SnapshotCache {
	cache, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}
	return cache
}
