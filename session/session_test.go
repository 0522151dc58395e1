package session

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Functions

func newTestSession(t *testing.T) *Session {

	t.Helper()

	return InitSession("test-session", log.NewNopLogger())
}

// TestWriteFileCreatesAndLogs checks that the first write creates the file
// with a create entry and a second write logs a write entry under a higher
// token.
func TestWriteFileCreatesAndLogs(t *testing.T) {

	sess := newTestSession(t)

	first, err := sess.WriteFile("/notes.txt", "hello", "alice", ModeOverwrite)
	require.NoError(t, err)

	content, err := sess.ReadFile("/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", content)

	second, err := sess.WriteFile("/notes.txt", "hello again", "alice", ModeOverwrite)
	require.NoError(t, err)
	assert.Greater(t, second, first)

	content, err = sess.ReadFile("/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello again", content)

	ops := sess.Operations()
	require.Len(t, ops, 2)
	assert.Equal(t, OpCreate, ops[0].Kind)
	assert.Equal(t, OpWrite, ops[1].Kind)
	assert.True(t, ops[0].Success)
	assert.True(t, ops[1].Success)
	assert.Equal(t, "alice", ops[0].By)
}

// TestWriteFileAppendMode checks that append adds at the end and the
// metadata size tracks the full content.
func TestWriteFileAppendMode(t *testing.T) {

	sess := newTestSession(t)

	_, err := sess.WriteFile("/log.txt", "line1\n", "bob", ModeOverwrite)
	require.NoError(t, err)

	_, err = sess.WriteFile("/log.txt", "line2\n", "bob", ModeAppend)
	require.NoError(t, err)

	content, err := sess.ReadFile("/log.txt")
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", content)

	files := sess.ListFiles("")
	require.Len(t, files, 1)
	assert.Equal(t, int64(len("line1\nline2\n")), files[0].Meta.SizeBytes)
}

// TestWriteFileUnknownMode checks mode validation.
func TestWriteFileUnknownMode(t *testing.T) {

	sess := newTestSession(t)

	_, err := sess.WriteFile("/f", "x", "alice", WriteMode("truncate"))
	assert.Error(t, err)
	assert.Equal(t, 0, sess.Stats().Files)
}

// TestMoveFile checks that a move carries content and metadata to the new
// path and removes the old one.
func TestMoveFile(t *testing.T) {

	sess := newTestSession(t)

	_, err := sess.WriteFile("/old.txt", "payload", "alice", ModeOverwrite)
	require.NoError(t, err)

	token, err := sess.MoveFile("/old.txt", "/new.txt", "alice")
	require.NoError(t, err)

	content, err := sess.ReadFile("/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", content)

	_, err = sess.ReadFile("/old.txt")
	assert.ErrorIs(t, err, ErrFileMissing)

	files := sess.ListFiles("")
	require.Len(t, files, 1)
	assert.Equal(t, "/new.txt", files[0].Path)
	assert.Equal(t, token, files[0].Meta.Token)

	ops := sess.Operations()
	last := ops[len(ops)-1]
	assert.Equal(t, OpMove, last.Kind)
	assert.Equal(t, "/old.txt", last.Path)
	assert.Equal(t, "/new.txt", last.NewPath)
	assert.True(t, last.Success)
}

// TestMoveFilePreconditions checks that a missing source and an occupied
// destination fail, are returned as errors and still land in the log with
// success=false.
func TestMoveFilePreconditions(t *testing.T) {

	sess := newTestSession(t)

	_, err := sess.MoveFile("/ghost", "/dst", "alice")
	assert.ErrorIs(t, err, ErrFileMissing)

	_, err = sess.WriteFile("/a", "a", "alice", ModeOverwrite)
	require.NoError(t, err)
	_, err = sess.WriteFile("/b", "b", "alice", ModeOverwrite)
	require.NoError(t, err)

	_, err = sess.MoveFile("/a", "/b", "alice")
	assert.ErrorIs(t, err, ErrDestinationExists)

	// Both files are untouched by the failed move.
	content, err := sess.ReadFile("/a")
	require.NoError(t, err)
	assert.Equal(t, "a", content)
	content, err = sess.ReadFile("/b")
	require.NoError(t, err)
	assert.Equal(t, "b", content)

	ops := sess.Operations()
	var failed []Operation
	for _, op := range ops {
		if !op.Success {
			failed = append(failed, op)
		}
	}
	require.Len(t, failed, 2)
	assert.Equal(t, ErrFileMissing.Error(), failed[0].Error)
	assert.Equal(t, ErrDestinationExists.Error(), failed[1].Error)
}

// exchange ships each session's missing operations to the other so both
// hold the full merged state afterwards.
func exchange(t *testing.T, a, b *Session) {

	t.Helper()

	update, err := a.EncodeStateAsUpdate(b.StateVector())
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(update, OriginHub))

	update, err = b.EncodeStateAsUpdate(a.StateVector())
	require.NoError(t, err)
	require.NoError(t, a.ApplyUpdate(update, OriginHub))
}

// requireListedMatchesReadable asserts that exactly the listed paths are
// readable: every listing entry reads without error and nothing outside the
// listing does.
func requireListedMatchesReadable(t *testing.T, sess *Session, unlisted ...string) {

	t.Helper()

	listed := make(map[string]bool)

	for _, entry := range sess.ListFiles("") {
		listed[entry.Path] = true
		_, err := sess.ReadFile(entry.Path)
		require.NoError(t, err, "listed path %q must be readable", entry.Path)
	}

	for _, path := range unlisted {
		if listed[path] {
			continue
		}
		_, err := sess.ReadFile(path)
		require.ErrorIs(t, err, ErrFileMissing, "unlisted path %q must not be readable", path)
	}
}

// TestConcurrentMoveAndWriteConverge checks that a move racing repeated
// writes to the source path converges to the same file set on both
// replicas, with every listed file readable and every unlisted path not.
func TestConcurrentMoveAndWriteConverge(t *testing.T) {

	a := newTestSession(t)
	b := newTestSession(t)

	_, err := a.WriteFile("/old", "v0", "alice", ModeOverwrite)
	require.NoError(t, err)
	exchange(t, a, b)

	// Concurrently: a moves the file away while b keeps writing to it.
	_, err = a.MoveFile("/old", "/new", "alice")
	require.NoError(t, err)
	_, err = b.WriteFile("/old", "from bob", "bob", ModeOverwrite)
	require.NoError(t, err)
	_, err = b.WriteFile("/old", "from bob again", "bob", ModeOverwrite)
	require.NoError(t, err)

	exchange(t, a, b)

	for _, sess := range []*Session{a, b} {

		requireListedMatchesReadable(t, sess, "/old", "/new")

		// b's second write carries the later metadata write for /old, so
		// the re-created file survives the move's removal; the move's
		// destination exists regardless.
		content, err := sess.ReadFile("/old")
		require.NoError(t, err)
		assert.Equal(t, "from bob again", content)

		content, err = sess.ReadFile("/new")
		require.NoError(t, err)
		assert.Equal(t, "v0", content)
	}

	assert.Equal(t, a.ListFiles(""), b.ListFiles(""))
}

// TestConcurrentMoveAndDeleteConverge checks that a move racing a delete of
// the same source converges: the source is gone everywhere, the move's
// destination holds the content, and both log entries survive in the same
// converged order with their own tokens.
func TestConcurrentMoveAndDeleteConverge(t *testing.T) {

	a := newTestSession(t)
	b := newTestSession(t)

	_, err := a.WriteFile("/old", "v0", "alice", ModeOverwrite)
	require.NoError(t, err)
	exchange(t, a, b)

	moveToken, err := a.MoveFile("/old", "/new", "alice")
	require.NoError(t, err)
	deleteToken, err := b.DeleteFile("/old", "bob")
	require.NoError(t, err)
	assert.Positive(t, moveToken)
	assert.Positive(t, deleteToken)

	exchange(t, a, b)

	for _, sess := range []*Session{a, b} {

		requireListedMatchesReadable(t, sess, "/old", "/new")

		_, err := sess.ReadFile("/old")
		assert.ErrorIs(t, err, ErrFileMissing)

		content, err := sess.ReadFile("/new")
		require.NoError(t, err)
		assert.Equal(t, "v0", content)

		files := sess.ListFiles("")
		require.Len(t, files, 1)
		assert.Equal(t, "/new", files[0].Path)

		ops := sess.Operations()
		require.Len(t, ops, 3)
		assert.Equal(t, OpCreate, ops[0].Kind)
		assert.Equal(t, OpDelete, ops[1].Kind)
		assert.Equal(t, OpMove, ops[2].Kind)
		assert.True(t, ops[1].Success)
		assert.True(t, ops[2].Success)
		assert.Equal(t, deleteToken, ops[1].Token)
		assert.Equal(t, moveToken, ops[2].Token)
	}

	assert.Equal(t, a.Operations(), b.Operations())
}

// TestDeleteFile checks deletion and the missing-path failure.
func TestDeleteFile(t *testing.T) {

	sess := newTestSession(t)

	_, err := sess.WriteFile("/f", "content", "alice", ModeOverwrite)
	require.NoError(t, err)

	_, err = sess.DeleteFile("/f", "alice")
	require.NoError(t, err)

	_, err = sess.ReadFile("/f")
	assert.ErrorIs(t, err, ErrFileMissing)
	assert.Equal(t, 0, sess.Stats().Files)

	_, err = sess.DeleteFile("/f", "alice")
	assert.ErrorIs(t, err, ErrFileMissing)

	ops := sess.Operations()
	last := ops[len(ops)-1]
	assert.Equal(t, OpDelete, last.Kind)
	assert.False(t, last.Success)
}

// TestTokensStrictlyIncrease checks that every handed-out token is larger
// than the one before, failed operations included.
func TestTokensStrictlyIncrease(t *testing.T) {

	sess := newTestSession(t)

	var last int64

	token, err := sess.WriteFile("/f", "1", "alice", ModeOverwrite)
	require.NoError(t, err)
	assert.Greater(t, token, last)
	last = token

	token, _ = sess.MoveFile("/missing", "/dst", "alice")
	assert.Greater(t, token, last)
	last = token

	token, err = sess.DeleteFile("/f", "alice")
	require.NoError(t, err)
	assert.Greater(t, token, last)
	last = token

	assert.Greater(t, sess.NextToken(), last)
}

// TestTokenReseedFromPeerUpdate checks that applying a peer update carrying
// higher tokens bumps the local counter past them.
func TestTokenReseedFromPeerUpdate(t *testing.T) {

	remote := newTestSession(t)
	local := newTestSession(t)

	for i := 0; i < 5; i++ {
		_, err := remote.WriteFile("/f", "content", "bob", ModeOverwrite)
		require.NoError(t, err)
	}

	update, err := remote.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	require.NoError(t, local.ApplyUpdate(update, OriginHub))

	assert.Greater(t, local.NextToken(), int64(5))
}

// TestParticipantsAndActivity checks participant stream counting and the
// partial-merge semantics of activity updates.
func TestParticipantsAndActivity(t *testing.T) {

	sess := newTestSession(t)

	assert.True(t, sess.AddParticipant("alice"))
	assert.False(t, sess.AddParticipant("alice"))
	assert.True(t, sess.AddParticipant("bob"))
	assert.Equal(t, 2, sess.ParticipantCount())

	file := "/f"
	sess.UpdateActivity("alice", ActivityChange{Action: ActionEditing, CurrentFile: &file})

	act, ok := sess.Activity("alice")
	require.True(t, ok)
	assert.Equal(t, ActionEditing, act.Action)
	assert.Equal(t, "/f", act.CurrentFile)

	// A partial change keeps the fields it does not mention.
	sess.UpdateActivity("alice", ActivityChange{Action: ActionReading})

	act, ok = sess.Activity("alice")
	require.True(t, ok)
	assert.Equal(t, ActionReading, act.Action)
	assert.Equal(t, "/f", act.CurrentFile)

	// Clearing the file takes a pointer to the empty string.
	empty := ""
	sess.UpdateActivity("alice", ActivityChange{CurrentFile: &empty})

	act, _ = sess.Activity("alice")
	assert.Equal(t, ActionReading, act.Action)
	assert.Equal(t, "", act.CurrentFile)

	// Dropping the first of two streams keeps the activity entry.
	assert.False(t, sess.RemoveParticipant("alice"))
	_, ok = sess.Activity("alice")
	assert.True(t, ok)

	// Dropping the last stream removes it.
	assert.True(t, sess.RemoveParticipant("alice"))
	_, ok = sess.Activity("alice")
	assert.False(t, ok)
	assert.Equal(t, 1, sess.ParticipantCount())
}

// TestListFilesPrefix checks prefix filtering and ascending path order.
func TestListFilesPrefix(t *testing.T) {

	sess := newTestSession(t)

	for _, path := range []string{"/src/main.go", "/src/util.go", "/docs/readme.md"} {
		_, err := sess.WriteFile(path, "x", "alice", ModeOverwrite)
		require.NoError(t, err)
	}

	all := sess.ListFiles("")
	require.Len(t, all, 3)
	assert.Equal(t, "/docs/readme.md", all[0].Path)
	assert.Equal(t, "/src/main.go", all[1].Path)
	assert.Equal(t, "/src/util.go", all[2].Path)

	src := sess.ListFiles("/src/")
	require.Len(t, src, 2)
	for _, entry := range src {
		assert.Contains(t, entry.Path, "/src/")
	}
}

// TestBinaryRoundTrip checks that raw bytes survive the base64 storage form
// and that SizeBytes counts raw bytes.
func TestBinaryRoundTrip(t *testing.T) {

	sess := newTestSession(t)

	data := []byte{0x00, 0xff, 0x10, 0x7f, 0x80}

	_, err := sess.WriteBinary("/blob.bin", data, "alice")
	require.NoError(t, err)

	got, err := sess.ReadBinary("/blob.bin")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	files := sess.ListFiles("")
	require.Len(t, files, 1)
	assert.True(t, files[0].Meta.IsBinary)
	assert.Equal(t, int64(len(data)), files[0].Meta.SizeBytes)

	// A text file reads back unencoded through ReadBinary.
	_, err = sess.WriteFile("/plain.txt", "plain", "alice", ModeOverwrite)
	require.NoError(t, err)

	got, err = sess.ReadBinary("/plain.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), got)
}

// TestSnapshotRestore checks that a fresh session restored from snapshot
// bytes reproduces files, log and activity, and keeps issuing tokens past
// the restored ones.
func TestSnapshotRestore(t *testing.T) {

	sess := newTestSession(t)

	_, err := sess.WriteFile("/a", "alpha", "alice", ModeOverwrite)
	require.NoError(t, err)
	highest, err := sess.WriteFile("/b", "beta", "bob", ModeOverwrite)
	require.NoError(t, err)
	sess.UpdateActivity("alice", ActivityChange{Action: ActionEditing})

	snapshot, err := sess.SnapshotBytes()
	require.NoError(t, err)

	restored := InitSession("test-session", log.NewNopLogger())
	require.NoError(t, restored.RestoreFrom(snapshot))

	content, err := restored.ReadFile("/a")
	require.NoError(t, err)
	assert.Equal(t, "alpha", content)

	assert.Equal(t, 2, restored.Stats().Files)
	assert.Len(t, restored.Operations(), 2)

	_, ok := restored.Activity("alice")
	assert.True(t, ok)

	// The counter resumes past the highest restored token.
	assert.Greater(t, restored.NextToken(), highest)
}

// TestRestoreRejectsGarbage checks that corrupted snapshot bytes fail
// instead of half-applying.
func TestRestoreRejectsGarbage(t *testing.T) {

	sess := newTestSession(t)

	err := sess.RestoreFrom([]byte{0xde, 0xad, 0xbe, 0xef})
	assert.Error(t, err)
}
