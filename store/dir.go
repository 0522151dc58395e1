package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Structs

// DirStore keeps one <session_id>.snapshot file per session under a root
// directory. There is no index; lookup is by file name.
type DirStore struct {
	root string
}

// Functions

// NewDirStore creates the root directory if needed and returns the store.
func NewDirStore(root string) (*DirStore, error) {

	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, errors.Wrap(err, "creating snapshot directory")
	}

	return &DirStore{root: root}, nil
}

// Put writes the snapshot file for one session.
func (s *DirStore) Put(sessionID string, snapshot []byte) error {

	err := os.WriteFile(s.path(sessionID), snapshot, 0600)
	if err != nil {
		return errors.Wrap(err, "writing snapshot file")
	}

	return nil
}

// Get reads the snapshot file for one session.
func (s *DirStore) Get(sessionID string) ([]byte, bool, error) {

	snapshot, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "reading snapshot file")
	}

	return snapshot, true, nil
}

func (s *DirStore) path(sessionID string) string {
	return filepath.Join(s.root, fmt.Sprintf("%s.snapshot", sessionID))
}
