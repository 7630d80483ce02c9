// Copyright 2026 the boar-with-shoes authors
// SPDX-License-Identifier: Apache-2.0

// Package boar is the public face of a content-addressed snapshot
// repository. All interaction with a repository goes through the
// Front type, whose arguments and return values are primitive enough
// to serialize, which is what makes the RPC surface in the wire
// package possible.
//
// # Basic usage
//
//	repo, err := blobrepo.Create("/srv/repo", log)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	front := boar.NewFront(repo)
//
//	if _, err := front.Mksession("documents"); err != nil {
//	    log.Fatal(err)
//	}
//	rev, _ := front.FindLastRevision("documents")
//	if err := front.CreateSession("documents", rev); err != nil {
//	    log.Fatal(err)
//	}
//	if err := front.AddFileSimple("notes.txt", []byte("hello")); err != nil {
//	    log.Fatal(err)
//	}
//	id, err := front.Commit(boar.SessionInfo("documents"))
//
// A Front is not safe for concurrent use; give each connection or
// goroutine its own.
package boar

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/serialhex/boar-with-shoes/blobrepo"
	"github.com/serialhex/boar-with-shoes/hashutil"
)

// reservedNamePrefix marks session names used for internal metadata.
// The public entry point refuses to create them.
const reservedNamePrefix = "__"

// metaSessionPrefix is where per-session properties (ignore and
// include lists) are stored: session "x" keeps its properties as
// snapshots of session "__meta_x".
const metaSessionPrefix = "__meta_"

// verifyBatchSize bounds how many blobs one VerifySomeBlobs call
// checks.
const verifyBatchSize = 100

// validSessionProps are the property files allowed under a meta
// session.
var validSessionProps = map[string]bool{
	"ignore":  true,
	"include": true,
}

// Front is the repository API. It owns at most one staged snapshot at
// a time.
type Front struct {
	repo          *blobrepo.Repository
	newSession    *blobrepo.SessionWriter
	blobsToVerify []string
}

// NewFront wraps an open repository.
func NewFront(repo *blobrepo.Repository) *Front {
	return &Front{repo: repo}
}

// RepoPath returns the repository root directory.
func (f *Front) RepoPath() string {
	return f.repo.Path()
}

// SessionInfo builds a minimal sessioninfo carrying only the session
// name.
func SessionInfo(name string) map[string]json.RawMessage {
	raw, _ := json.Marshal(name)
	return map[string]json.RawMessage{"name": raw}
}

// timestampedSessionInfo is what Mksession and SetFileContents commit.
func timestampedSessionInfo(name string, now time.Time) map[string]json.RawMessage {
	info := SessionInfo(name)
	ts, _ := json.Marshal(now.Unix())
	info["timestamp"] = ts
	date, _ := json.Marshal(now.Format(time.ANSIC))
	info["date"] = date
	return info
}

// CreateSession opens a staged snapshot for the given session name.
// base is the id of the snapshot to derive from, or 0 for a fresh
// tree. Only one staged snapshot may be open at a time.
func (f *Front) CreateSession(name string, base int) error {
	if f.newSession != nil {
		return ErrActiveSnapshot
	}
	writer, err := f.repo.CreateSession(name, base, 0)
	if err != nil {
		return err
	}
	f.newSession = writer
	return nil
}

// AddBlobData appends a fragment to a staged blob. Must follow
// CreateSession.
func (f *Front) AddBlobData(blobMD5 string, data []byte) error {
	if f.newSession == nil {
		return ErrNoActiveSnapshot
	}
	return f.newSession.AddBlobData(blobMD5, data)
}

// Add records a file entry in the staged snapshot. The referenced
// blob must already exist in the repository or in staging.
func (f *Front) Add(meta blobrepo.FileEntry) error {
	if f.newSession == nil {
		return ErrNoActiveSnapshot
	}
	return f.newSession.Add(meta)
}

// Remove records the removal of a file present in the base snapshot.
func (f *Front) Remove(filename string) error {
	if f.newSession == nil {
		return ErrNoActiveSnapshot
	}
	return f.newSession.Remove(filename)
}

// Commit installs the staged snapshot and returns its id. The
// sessioninfo must carry the session name.
func (f *Front) Commit(sessioninfo map[string]json.RawMessage) (int, error) {
	if f.newSession == nil {
		return 0, ErrNoActiveSnapshot
	}
	if _, ok := sessioninfo["name"]; !ok {
		return 0, fmt.Errorf("boar: sessioninfo must carry a name")
	}
	writer := f.newSession
	f.newSession = nil
	return writer.Commit(sessioninfo)
}

// CancelSnapshot abandons the staged snapshot, releasing the session
// mutex. The staging directory is left under tmp/.
func (f *Front) CancelSnapshot() {
	if f.newSession != nil {
		f.newSession.Abort()
		f.newSession = nil
	}
}

// Mksession creates a new empty session with the given name. Names
// beginning with a double underscore are reserved. Returns the id of
// the initial snapshot.
func (f *Front) Mksession(name string) (int, error) {
	if strings.HasPrefix(name, reservedNamePrefix) {
		return 0, &UserError{Msg: "session names must not begin with double underscores"}
	}
	return f.mksession(name)
}

func (f *Front) mksession(name string) (int, error) {
	last, err := f.repo.FindLastRevision(name)
	if err != nil {
		return 0, err
	}
	if last != 0 {
		return 0, &UserError{Msg: fmt.Sprintf("there already exists a session named %q", name)}
	}
	if err := f.CreateSession(name, 0); err != nil {
		return 0, err
	}
	return f.Commit(timestampedSessionInfo(name, time.Now()))
}

// HasBlob reports whether the digest resolves in the repository or,
// when a snapshot is staged, in its staging area.
func (f *Front) HasBlob(blobMD5 string) bool {
	if f.repo.HasBlob(blobMD5) {
		return true
	}
	return f.newSession != nil && f.newSession.HasBlob(blobMD5)
}

// GetBlobSize returns the content size of a blob.
func (f *Front) GetBlobSize(blobMD5 string) (int64, error) {
	return f.repo.GetBlobSize(blobMD5)
}

// GetBlobReader returns a lazy reader over blob content. size == -1
// means to the end.
func (f *Front) GetBlobReader(blobMD5 string, offset, size int64) (io.ReadCloser, error) {
	return f.repo.GetBlobReader(blobMD5, offset, size)
}

// FindLastRevision returns the id of the latest snapshot in the named
// session, or 0 if there is no such session.
func (f *Front) FindLastRevision(name string) (int, error) {
	return f.repo.FindLastRevision(name)
}

// GetSessionIDs returns all snapshot ids, or only those committed
// under the given session name when name is non-empty.
func (f *Front) GetSessionIDs(name string) ([]int, error) {
	ids, err := f.repo.GetAllSessions()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return ids, nil
	}
	var out []int
	for _, id := range ids {
		info, err := f.GetSessionInfo(id)
		if err != nil {
			return nil, err
		}
		var sessionName string
		if raw, ok := info["name"]; ok {
			if err := json.Unmarshal(raw, &sessionName); err != nil {
				continue
			}
		}
		if sessionName == name {
			out = append(out, id)
		}
	}
	return out, nil
}

// GetSessionInfo returns the client data of a snapshot, or nil if
// there is no such snapshot.
func (f *Front) GetSessionInfo(id int) (map[string]json.RawMessage, error) {
	if !f.repo.HasSnapshot(id) {
		return nil, nil
	}
	reader, err := f.repo.GetSession(id)
	if err != nil {
		return nil, err
	}
	return reader.ClientData(), nil
}

// GetSessionFingerprint returns the effective-tree fingerprint of a
// snapshot.
func (f *Front) GetSessionFingerprint(id int) (string, error) {
	reader, err := f.repo.GetSession(id)
	if err != nil {
		return "", err
	}
	return reader.Fingerprint(), nil
}

// GetSessionBloblist returns the effective file tree of a snapshot.
func (f *Front) GetSessionBloblist(id int) ([]blobrepo.FileEntry, error) {
	reader, err := f.repo.GetSession(id)
	if err != nil {
		return nil, err
	}
	return reader.EffectiveBloblist()
}

// HasSnapshot reports whether a snapshot with the given id exists and
// was committed under the given session name.
func (f *Front) HasSnapshot(name string, id int) (bool, error) {
	info, err := f.GetSessionInfo(id)
	if err != nil || info == nil {
		return false, err
	}
	var sessionName string
	if raw, ok := info["name"]; ok {
		if err := json.Unmarshal(raw, &sessionName); err != nil {
			return false, nil
		}
	}
	return sessionName == name, nil
}

// GetFileContents returns the full contents of a named file from the
// latest snapshot of a session. The session must exist; a missing
// file yields (nil, nil). Only use on files known to be of reasonable
// size.
func (f *Front) GetFileContents(sessionName, fileName string) ([]byte, error) {
	rev, err := f.FindLastRevision(sessionName)
	if err != nil {
		return nil, err
	}
	if rev == 0 {
		return nil, &SessionNotFoundError{Name: sessionName}
	}
	entries, err := f.GetSessionBloblist(rev)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Filename == fileName {
			return f.repo.GetBlob(e.MD5)
		}
	}
	return nil, nil
}

// AddFileSimple stages a file with the given contents in the open
// snapshot, ingesting the blob if needed and populating ctime, mtime
// and size.
func (f *Front) AddFileSimple(filename string, contents []byte) error {
	sum := hashutil.Sum(contents)
	if !f.HasBlob(sum) {
		if err := f.AddBlobData(sum, contents); err != nil {
			return err
		}
	}
	now, _ := json.Marshal(time.Now().Unix())
	size, _ := json.Marshal(len(contents))
	return f.Add(blobrepo.FileEntry{
		Filename: filename,
		MD5:      sum,
		Extra: map[string]json.RawMessage{
			"ctime": now,
			"mtime": now,
			"size":  size,
		},
	})
}

// SetFileContents commits a new snapshot of the session in which the
// named file has the given contents. No snapshot is committed when
// the file already matches.
func (f *Front) SetFileContents(sessionName, filename string, contents []byte) error {
	current, err := f.GetFileContents(sessionName, filename)
	if err != nil {
		var snf *SessionNotFoundError
		if !errors.As(err, &snf) {
			return err
		}
	}
	if current != nil && bytes.Equal(current, contents) {
		return nil
	}
	rev, err := f.FindLastRevision(sessionName)
	if err != nil {
		return err
	}
	if err := f.CreateSession(sessionName, rev); err != nil {
		return err
	}
	if err := f.AddFileSimple(filename, contents); err != nil {
		f.CancelSnapshot()
		return err
	}
	_, err = f.Commit(timestampedSessionInfo(sessionName, time.Now()))
	return err
}

// setSessionProperty persists a property list as a JSON file inside
// the session's meta session, creating the meta session on first use.
func (f *Front) setSessionProperty(sessionName, property string, value []string) error {
	if !validSessionProps[property] {
		return fmt.Errorf("boar: unknown session property %q", property)
	}
	metaName := metaSessionPrefix + sessionName
	last, err := f.FindLastRevision(metaName)
	if err != nil {
		return err
	}
	if last == 0 {
		if _, err := f.mksession(metaName); err != nil {
			return err
		}
	}
	if value == nil {
		value = []string{}
	}
	data, err := json.MarshalIndent(value, "", "    ")
	if err != nil {
		return err
	}
	return f.SetFileContents(metaName, property+".json", data)
}

// getSessionProperty returns the stored property list, or nil when
// the meta session or property file does not exist.
func (f *Front) getSessionProperty(sessionName, property string) ([]string, error) {
	if !validSessionProps[property] {
		return nil, fmt.Errorf("boar: unknown session property %q", property)
	}
	metaName := metaSessionPrefix + sessionName
	data, err := f.GetFileContents(metaName, property+".json")
	if err != nil {
		var snf *SessionNotFoundError
		if errors.As(err, &snf) {
			return nil, nil
		}
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var value []string
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("boar: session property %q of %q: %w", property, sessionName, err)
	}
	return value, nil
}

// SetSessionIgnoreList stores the ignore patterns for a session.
func (f *Front) SetSessionIgnoreList(sessionName string, patterns []string) error {
	return f.setSessionProperty(sessionName, "ignore", patterns)
}

// GetSessionIgnoreList returns the ignore patterns for a session, or
// an empty list if none are stored.
func (f *Front) GetSessionIgnoreList(sessionName string) ([]string, error) {
	value, err := f.getSessionProperty(sessionName, "ignore")
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = []string{}
	}
	return value, nil
}

// SetSessionIncludeList stores the include patterns for a session.
func (f *Front) SetSessionIncludeList(sessionName string, patterns []string) error {
	return f.setSessionProperty(sessionName, "include", patterns)
}

// GetSessionIncludeList returns the include patterns for a session,
// or an empty list if none are stored.
func (f *Front) GetSessionIncludeList(sessionName string) ([]string, error) {
	value, err := f.getSessionProperty(sessionName, "include")
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = []string{}
	}
	return value, nil
}

// InitVerifyBlobs queues every raw blob for verification and returns
// how many there are.
func (f *Front) InitVerifyBlobs() (int, error) {
	if len(f.blobsToVerify) != 0 {
		return 0, ErrVerifyInProgress
	}
	names, err := f.repo.GetBlobNames()
	if err != nil {
		return 0, err
	}
	f.blobsToVerify = names
	return len(names), nil
}

// VerifySomeBlobs verifies up to 100 queued blobs and returns the
// digests that passed. A checksum mismatch stops the sweep.
func (f *Front) VerifySomeBlobs() ([]string, error) {
	count := len(f.blobsToVerify)
	if count > verifyBatchSize {
		count = verifyBatchSize
	}
	succeeded := make([]string, 0, count)
	for i := 0; i < count; i++ {
		blob := f.blobsToVerify[len(f.blobsToVerify)-1]
		f.blobsToVerify = f.blobsToVerify[:len(f.blobsToVerify)-1]
		ok, err := f.repo.VerifyBlob(blob)
		if err != nil {
			return succeeded, err
		}
		if !ok {
			return succeeded, &blobrepo.IntegrityError{Reason: fmt.Sprintf("blob failed verification: %s", blob)}
		}
		succeeded = append(succeeded, blob)
	}
	return succeeded, nil
}
