// Package store persists session snapshots: opaque document bytes keyed by
// session id. Adapters are selected through the config file the same way
// the hub's other pluggable parts are; the directory adapter is the
// reference, the Postgres adapter serves deployments that already run a
// database.
//
// Writes are not atomic across process crashes. A torn snapshot is caught
// by the loader, which validates by applying the bytes to a fresh document
// and starts the session empty when that fails.
package store

// Store is the snapshot persistence interface.
type Store interface {

	// Put writes the snapshot bytes for one session, replacing any
	// previous snapshot.
	Put(sessionID string, snapshot []byte) error

	// Get returns the stored snapshot and whether one exists. Absence is
	// not an error.
	Get(sessionID string) ([]byte, bool, error)
}
