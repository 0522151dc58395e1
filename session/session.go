// Package session implements the shared-state logic both sides of a collabfs
// deployment run: the hub wraps one Session per live session id, and every
// client replica embeds one for its own mirror of the document. All file
// operations mutate the document inside a single transaction so peers
// observe each change atomically, and every structural change appends an
// audit entry to the operation log under a fresh fencing token.
//
// A path exists exactly while its file-tree entry is live. Text sequences
// store content only, so listings and reads can never disagree about which
// files a converged session holds.
package session

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/theonlypal/collabfs/crdt"
)

// Session owns one document plus the bookkeeping around it: the participant
// set, the fencing-token counter, and the snapshot encode/restore entry
// points. The token counter lives in memory only; RestoreFrom reseeds it
// from the restored operation log so tokens keep growing across restarts
// without being persisted themselves.
type Session struct {
	id        string
	createdAt time.Time
	doc       *crdt.Doc
	logger    log.Logger

	// mu serializes the public write operations so tokens are appended to
	// the operation log in the order they were issued. Reads of the
	// document go through the document's own lock.
	mu           sync.Mutex
	participants map[string]int
	tokenCounter int64
}

// InitSession returns an empty session for the given id.
func InitSession(id string, logger log.Logger) *Session {

	return &Session{
		id:           id,
		createdAt:    time.Now(),
		doc:          crdt.InitDoc(),
		logger:       logger,
		participants: make(map[string]int),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Doc exposes the underlying document for change subscriptions and sync.
func (s *Session) Doc() *crdt.Doc {
	return s.doc
}

// AddParticipant registers one stream of the user and reports whether the
// user was not a participant before.
func (s *Session) AddParticipant(user string) bool {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.participants[user]++

	return s.participants[user] == 1
}

// RemoveParticipant unregisters one stream of the user. When the last
// stream of a user goes, the user's activity entry is removed from the
// document and true is returned.
func (s *Session) RemoveParticipant(user string) bool {

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.participants[user]
	if !ok {
		return false
	}

	if n > 1 {
		s.participants[user] = n - 1
		return false
	}

	delete(s.participants, user)

	s.doc.Transact(OriginLocal, func(tx *crdt.Txn) {
		tx.MapDelete(ContainerActivity, user)
	})

	return true
}

// Participants returns the distinct participant user ids.
func (s *Session) Participants() []string {

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.participants))
	for user := range s.participants {
		out = append(out, user)
	}

	return out
}

// ParticipantCount returns the number of distinct participants.
func (s *Session) ParticipantCount() int {

	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.participants)
}

// NextToken hands out the next fencing token.
func (s *Session) NextToken() int64 {

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nextTokenLocked()
}

func (s *Session) nextTokenLocked() int64 {

	s.tokenCounter++

	return s.tokenCounter
}

// WriteFile creates or edits the text at path in one transaction: content
// change, metadata upsert and log entry land as a single update. Overwrite
// replaces the whole text, append adds at the end. It returns the fencing
// token of the logged operation.
func (s *Session) WriteFile(path, content, by string, mode WriteMode) (int64, error) {
	return s.writeFile(path, content, by, mode, false, int64(len(content)))
}

// WriteBinary stores raw bytes at path, base64-encoded inside the text
// container and flagged binary in the metadata. SizeBytes counts the raw
// bytes, not the encoded form.
func (s *Session) WriteBinary(path string, data []byte, by string) (int64, error) {
	return s.writeFile(path, encodeBinary(data), by, ModeOverwrite, true, int64(len(data)))
}

func (s *Session) writeFile(path, content, by string, mode WriteMode, isBinary bool, size int64) (int64, error) {

	if mode != ModeOverwrite && mode != ModeAppend {
		return 0, errorsUnknownMode(mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token := s.nextTokenLocked()
	now := time.Now().UnixMilli()

	var txErr error

	s.doc.Transact(OriginLocal, func(tx *crdt.Txn) {

		_, existed := tx.MapGet(ContainerFileTree, path)

		switch mode {

		case ModeOverwrite:
			if err := tx.TextDelete(path, 0, tx.TextLen(path)); err != nil {
				txErr = err
				return
			}
			if err := tx.TextInsert(path, 0, content); err != nil {
				txErr = err
				return
			}

		case ModeAppend:
			// A create by append still clears leftover runes a lost
			// concurrent writer may have parked at the path.
			if !existed {
				if err := tx.TextDelete(path, 0, tx.TextLen(path)); err != nil {
					txErr = err
					return
				}
			}
			if err := tx.TextInsert(path, tx.TextLen(path), content); err != nil {
				txErr = err
				return
			}
			size = currentSize(tx, path)
		}

		meta := FileMeta{
			Kind:           "file",
			LastModifiedMs: now,
			LastModifiedBy: by,
			Token:          token,
			SizeBytes:      size,
			IsBinary:       isBinary,
		}
		tx.MapSet(ContainerFileTree, path, mustJSON(meta))

		kind := OpWrite
		if !existed {
			kind = OpCreate
		}

		tx.LogAppend(mustJSON(Operation{
			Token:       token,
			Kind:        kind,
			Path:        path,
			By:          by,
			TimestampMs: now,
			Success:     true,
		}))
	})

	if txErr != nil {
		return 0, txErr
	}

	return token, nil
}

// MoveFile renames old to new. On success the content at new is
// byte-identical to what old held at the moment of the move and old is
// gone; both preconditions (source present, destination absent) are checked
// against the current merged document and a failed check is logged with
// success=false before the error is returned.
func (s *Session) MoveFile(old, new, by string) (int64, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	token := s.nextTokenLocked()
	now := time.Now().UnixMilli()

	var opErr error

	s.doc.Transact(OriginLocal, func(tx *crdt.Txn) {

		entry := Operation{
			Token:       token,
			Kind:        OpMove,
			Path:        old,
			NewPath:     new,
			By:          by,
			TimestampMs: now,
		}

		metaRaw, ok := tx.MapGet(ContainerFileTree, old)
		if !ok {
			opErr = ErrFileMissing
			entry.Error = ErrFileMissing.Error()
			tx.LogAppend(mustJSON(entry))
			return
		}

		if _, taken := tx.MapGet(ContainerFileTree, new); taken {
			opErr = ErrDestinationExists
			entry.Error = ErrDestinationExists.Error()
			tx.LogAppend(mustJSON(entry))
			return
		}

		content := tx.TextString(old)

		// Clear leftover runes at the destination before placing the
		// moved content.
		if err := tx.TextDelete(new, 0, tx.TextLen(new)); err != nil {
			opErr = err
			return
		}
		if err := tx.TextInsert(new, 0, content); err != nil {
			opErr = err
			return
		}
		if err := tx.TextDelete(old, 0, tx.TextLen(old)); err != nil {
			opErr = err
			return
		}

		var meta FileMeta
		if err := json.Unmarshal(metaRaw, &meta); err != nil {
			level.Warn(s.logger).Log(
				"msg", "replacing undecodable file metadata during move",
				"session", s.id, "path", old, "err", err,
			)
			meta = FileMeta{Kind: "file", SizeBytes: int64(len(content))}
		}
		meta.LastModifiedMs = now
		meta.LastModifiedBy = by
		meta.Token = token

		tx.MapDelete(ContainerFileTree, old)
		tx.MapSet(ContainerFileTree, new, mustJSON(meta))

		entry.Success = true
		tx.LogAppend(mustJSON(entry))
	})

	if opErr != nil {
		return token, opErr
	}

	return token, nil
}

// DeleteFile removes the file at path: content tombstoned, metadata
// cleared, outcome logged. A missing path is logged with
// success=false and returned as ErrFileMissing.
func (s *Session) DeleteFile(path, by string) (int64, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	token := s.nextTokenLocked()
	now := time.Now().UnixMilli()

	var opErr error

	s.doc.Transact(OriginLocal, func(tx *crdt.Txn) {

		entry := Operation{
			Token:       token,
			Kind:        OpDelete,
			Path:        path,
			By:          by,
			TimestampMs: now,
		}

		if _, ok := tx.MapGet(ContainerFileTree, path); !ok {
			opErr = ErrFileMissing
			entry.Error = ErrFileMissing.Error()
			tx.LogAppend(mustJSON(entry))
			return
		}

		if err := tx.TextDelete(path, 0, tx.TextLen(path)); err != nil {
			opErr = err
			return
		}
		tx.MapDelete(ContainerFileTree, path)

		entry.Success = true
		tx.LogAppend(mustJSON(entry))
	})

	if opErr != nil {
		return token, opErr
	}

	return token, nil
}

// UpdateActivity merges a partial change into the user's activity entry and
// stamps it with the current time.
func (s *Session) UpdateActivity(user string, change ActivityChange) {

	s.mu.Lock()
	defer s.mu.Unlock()

	act := Activity{UserID: user, Action: ActionIdle}

	if raw, ok := s.doc.MapGet(ContainerActivity, user); ok {
		if err := json.Unmarshal(raw, &act); err != nil {
			level.Warn(s.logger).Log(
				"msg", "replacing undecodable activity entry",
				"session", s.id, "user", user, "err", err,
			)
			act = Activity{UserID: user, Action: ActionIdle}
		}
	}

	if change.Action != "" {
		act.Action = change.Action
	}
	if change.CurrentFile != nil {
		act.CurrentFile = *change.CurrentFile
	}
	act.UserID = user
	act.TimestampMs = time.Now().UnixMilli()

	s.doc.Transact(OriginLocal, func(tx *crdt.Txn) {
		tx.MapSet(ContainerActivity, user, mustJSON(act))
	})
}

// Activity returns the stored activity entry of one user.
func (s *Session) Activity(user string) (Activity, bool) {

	raw, ok := s.doc.MapGet(ContainerActivity, user)
	if !ok {
		return Activity{}, false
	}

	var act Activity
	if err := json.Unmarshal(raw, &act); err != nil {
		return Activity{}, false
	}

	return act, true
}

// ListFiles returns the live files whose path starts with prefix, in
// ascending path order. An empty prefix lists everything.
func (s *Session) ListFiles(prefix string) []FileEntry {

	paths := s.doc.MapKeys(ContainerFileTree)
	out := make([]FileEntry, 0, len(paths))

	for _, path := range paths {

		if prefix != "" && !strings.HasPrefix(path, prefix) {
			continue
		}

		raw, ok := s.doc.MapGet(ContainerFileTree, path)
		if !ok {
			continue
		}

		var meta FileMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			level.Warn(s.logger).Log(
				"msg", "skipping undecodable file metadata in listing",
				"session", s.id, "path", path, "err", err,
			)
			continue
		}

		out = append(out, FileEntry{Path: path, Meta: meta})
	}

	return out
}

// ReadFile returns the stored text at path. Existence is decided by the
// file-tree entry alone. Binary files come back in their base64 form; use
// ReadBinary for the raw bytes.
func (s *Session) ReadFile(path string) (string, error) {

	if _, ok := s.doc.MapGet(ContainerFileTree, path); !ok {
		return "", ErrFileMissing
	}

	return s.doc.TextString(path), nil
}

// ReadBinary returns the raw bytes at path, decoding the base64 form when
// the metadata flags the file binary.
func (s *Session) ReadBinary(path string) ([]byte, error) {

	raw, ok := s.doc.MapGet(ContainerFileTree, path)
	if !ok {
		return nil, ErrFileMissing
	}

	content := s.doc.TextString(path)

	var meta FileMeta
	if err := json.Unmarshal(raw, &meta); err == nil && meta.IsBinary {
		return decodeBinary(content)
	}

	return []byte(content), nil
}

// Operations returns the decoded operation log in its converged order.
// Entries that fail to decode are skipped.
func (s *Session) Operations() []Operation {

	raws := s.doc.LogEntries()
	out := make([]Operation, 0, len(raws))

	for _, raw := range raws {

		var entry Operation
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}

		out = append(out, entry)
	}

	return out
}

// Stats summarizes the session.
func (s *Session) Stats() Stats {

	s.mu.Lock()
	participants := len(s.participants)
	s.mu.Unlock()

	return Stats{
		Participants: participants,
		Files:        s.doc.MapLen(ContainerFileTree),
		Operations:   s.doc.LogLen(),
		CreatedAtMs:  s.createdAt.UnixMilli(),
	}
}

// StateVector returns the document's encoded state vector.
func (s *Session) StateVector() []byte {
	return s.doc.StateVector()
}

// EncodeStateAsUpdate returns the update a replica at the given remote
// state vector is missing; nil encodes the full document.
func (s *Session) EncodeStateAsUpdate(remote []byte) ([]byte, error) {
	return s.doc.EncodeStateAsUpdate(remote)
}

// ApplyUpdate integrates peer-sourced update bytes under the given origin.
// When the update brought new operation log entries, the token counter is
// bumped past the highest token seen, keeping replica counters roughly
// aligned through sync without persisting them.
func (s *Session) ApplyUpdate(update []byte, origin string) error {

	before := s.doc.LogLen()

	if err := s.doc.ApplyUpdate(update, origin); err != nil {
		return err
	}

	if s.doc.LogLen() == before {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.Operations() {
		if entry.Token > s.tokenCounter {
			s.tokenCounter = entry.Token
		}
	}

	return nil
}

// SnapshotBytes encodes the full document, the persisted snapshot format.
func (s *Session) SnapshotBytes() ([]byte, error) {
	return s.doc.EncodeStateAsUpdate(nil)
}

// RestoreFrom applies snapshot bytes to the document and reseeds the token
// counter past the highest token found in the restored operation log, so
// new operations keep the log monotonic for this instance.
func (s *Session) RestoreFrom(snapshot []byte) error {

	if err := s.doc.ApplyUpdate(snapshot, OriginRestore); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.Operations() {
		if entry.Token > s.tokenCounter {
			s.tokenCounter = entry.Token
		}
	}

	return nil
}
