package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theonlypal/collabfs/config"
	"github.com/theonlypal/collabfs/store"
)

// Functions

// TestInitLogger checks that every accepted level yields a working logger.
func TestInitLogger(t *testing.T) {

	for _, lvl := range []string{"debug", "info", "warn", "error", "bogus"} {

		logger := initLogger(lvl)
		require.NotNil(t, logger, lvl)
		assert.NoError(t, logger.Log("msg", "test"), lvl)
	}
}

// TestInitStoreDir checks that the directory adapter is selected and its
// root created.
func TestInitStoreDir(t *testing.T) {

	root := filepath.Join(t.TempDir(), "snapshots")

	conf := &config.Config{Hub: config.Hub{
		StoreAdapter: "StoreDir",
		StoreDir:     &config.StoreDir{Root: root},
	}}

	st, err := initStore(conf)
	require.NoError(t, err)

	_, ok := st.(*store.DirStore)
	assert.True(t, ok, "expected the directory store adapter")

	require.NoError(t, st.Put("sess-1", []byte("snapshot")))

	snapshot, found, err := st.Get("sess-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("snapshot"), snapshot)
}
