// Copyright 2026 the boar-with-shoes authors
// SPDX-License-Identifier: Apache-2.0

package blobrepo

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/serialhex/boar-with-shoes/hashutil"
)

// cloneChunkSize is the read granularity when streaming blobs from a
// foreign snapshot during CommitClone.
const cloneChunkSize = 1 << 20

// SessionWriter stages one new snapshot for a named session. It holds
// the session mutex for its entire lifetime and is single-use: after
// Commit or Abort the writer refuses further calls.
//
// A writer that is abandoned without committing must be released with
// Abort; the staging directory may be left behind under tmp/, which
// is harmless.
type SessionWriter struct {
	repo     *Repository
	name     string
	base     int // 0 means no base
	forcedID int

	mutex       *FileMutex
	stagingPath string
	closed      bool

	// latest is the session head observed at construction, used to
	// detect concurrent changes at commit time.
	latest int

	metadatas map[string]FileEntry
	order     []string // insertion order of metadatas
	resulting map[string]FileEntry
	summers   map[string]hash.Hash
}

func newSessionWriter(repo *Repository, name string, base, forcedID int) (*SessionWriter, error) {
	if name == "" {
		return nil, fmt.Errorf("blobrepo: session name must not be empty")
	}
	if forcedID < 0 {
		return nil, fmt.Errorf("blobrepo: forced snapshot id must be positive, got %d", forcedID)
	}

	mutex := NewFileMutex(repo.TmpDir(), name, repo.log)
	if err := mutex.TryLock(); err != nil {
		return nil, err
	}

	w := &SessionWriter{
		repo:      repo,
		name:      name,
		base:      base,
		forcedID:  forcedID,
		mutex:     mutex,
		metadatas: make(map[string]FileEntry),
		resulting: make(map[string]FileEntry),
		summers:   make(map[string]hash.Hash),
	}

	fail := func(err error) (*SessionWriter, error) {
		mutex.Unlock()
		return nil, err
	}

	stagingPath := filepath.Join(repo.TmpDir(), "tmp_"+uuid.NewString())
	if err := os.Mkdir(stagingPath, 0o755); err != nil {
		return fail(fmt.Errorf("blobrepo: create staging directory: %w", err))
	}
	w.stagingPath = stagingPath

	latest, err := repo.FindLastRevision(name)
	if err != nil {
		return fail(err)
	}
	w.latest = latest

	if base != 0 {
		baseReader, err := repo.GetSession(base)
		if err != nil {
			return fail(err)
		}
		err = baseReader.WalkEffective(func(e FileEntry) error {
			w.resulting[e.Filename] = e
			return nil
		})
		if err != nil {
			return fail(err)
		}
	}
	return w, nil
}

// StagingPath returns the writer's scratch directory.
func (w *SessionWriter) StagingPath() string {
	return w.stagingPath
}

// SessionName returns the name the snapshot will be committed under.
func (w *SessionWriter) SessionName() string {
	return w.name
}

// AddBlobData appends fragment to the staged blob with the given
// digest, maintaining a running checksum that Commit verifies. The
// repository must not already contain the blob; callers skip blobs
// the repository has. An empty fragment creates a zero-length staged
// file.
func (w *SessionWriter) AddBlobData(blobMD5 string, fragment []byte) error {
	if w.closed {
		return ErrWriterClosed
	}
	if !hashutil.IsMD5Hex(blobMD5) {
		return fmt.Errorf("blobrepo: invalid blob digest %q", blobMD5)
	}
	if w.repo.HasBlob(blobMD5) {
		return fmt.Errorf("%w: %s", ErrBlobExists, blobMD5)
	}

	summer, ok := w.summers[blobMD5]
	if !ok {
		summer = md5.New()
		w.summers[blobMD5] = summer
	}
	summer.Write(fragment)

	f, err := os.OpenFile(filepath.Join(w.stagingPath, blobMD5), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(fragment); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// HasBlob reports whether the blob is present in this writer's
// staging directory.
func (w *SessionWriter) HasBlob(blobMD5 string) bool {
	_, err := os.Stat(filepath.Join(w.stagingPath, blobMD5))
	return err == nil
}

// Add records a file entry for the new snapshot. The referenced blob
// must exist in the repository or in staging, and the filename must
// not have been added before.
func (w *SessionWriter) Add(meta FileEntry) error {
	if w.closed {
		return ErrWriterClosed
	}
	if err := meta.Validate(); err != nil {
		return err
	}
	if meta.IsRemove() {
		return fmt.Errorf("blobrepo: use Remove to record a removal of %q", meta.Filename)
	}
	if !w.repo.HasBlob(meta.MD5) && !w.HasBlob(meta.MD5) {
		return fmt.Errorf("%w: %s (referenced by %q)", ErrBlobNotFound, meta.MD5, meta.Filename)
	}
	if _, ok := w.metadatas[meta.Filename]; ok {
		return fmt.Errorf("blobrepo: file %q already added in this snapshot", meta.Filename)
	}
	entry := meta.Clone()
	w.metadatas[entry.Filename] = entry
	w.order = append(w.order, entry.Filename)
	w.resulting[entry.Filename] = entry
	return nil
}

// Remove records that filename, present in the base snapshot's
// effective tree, is absent from the new snapshot.
func (w *SessionWriter) Remove(filename string) error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.base == 0 {
		return fmt.Errorf("blobrepo: cannot remove %q from a snapshot without a base", filename)
	}
	if _, ok := w.resulting[filename]; !ok {
		return fmt.Errorf("blobrepo: cannot remove %q: not present in base snapshot", filename)
	}
	if _, ok := w.metadatas[filename]; ok {
		return fmt.Errorf("blobrepo: file %q already added in this snapshot", filename)
	}
	entry := FileEntry{Filename: filename, Action: ActionRemove}
	w.metadatas[filename] = entry
	w.order = append(w.order, filename)
	delete(w.resulting, filename)
	return nil
}

// CommitClone copies an entire foreign snapshot into this session:
// the effective tree, the raw bloblist with its add and remove
// entries, and the base pointer all become the other snapshot's. Any
// referenced blob the local repository lacks is streamed in through
// AddBlobData. Recipe-backed source blobs are not supported.
func (w *SessionWriter) CommitClone(other *SessionReader) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}

	raw, err := other.RawBloblist()
	if err != nil {
		return 0, w.abortCommit(err)
	}
	effective, err := other.EffectiveBloblist()
	if err != nil {
		return 0, w.abortCommit(err)
	}

	w.metadatas = make(map[string]FileEntry, len(raw))
	w.order = w.order[:0]
	for _, e := range raw {
		w.metadatas[e.Filename] = e
		w.order = append(w.order, e.Filename)
	}
	w.resulting = make(map[string]FileEntry, len(effective))
	for _, e := range effective {
		w.resulting[e.Filename] = e
	}
	w.base = other.BaseSession()

	added := make(map[string]bool)
	for _, e := range raw {
		if e.MD5 == "" {
			// A removal entry carries no blob.
			continue
		}
		if !other.repo.HasRawBlob(e.MD5) {
			return 0, w.abortCommit(fmt.Errorf("%w: %s", ErrCloneRecipe, e.MD5))
		}
		if w.repo.HasBlob(e.MD5) || added[e.MD5] {
			continue
		}
		added[e.MD5] = true
		if err := w.streamBlob(other.repo, e.MD5); err != nil {
			return 0, w.abortCommit(err)
		}
	}

	sessioninfo := other.ClientData()
	return w.Commit(sessioninfo)
}

// streamBlob copies a blob from a foreign repository into staging in
// bounded chunks.
func (w *SessionWriter) streamBlob(source *Repository, blobMD5 string) error {
	size, err := source.GetBlobSize(blobMD5)
	if err != nil {
		return err
	}
	// Zero-length blobs are staged with an initial empty append.
	if err := w.AddBlobData(blobMD5, nil); err != nil {
		return err
	}
	rc, err := source.GetBlobReader(blobMD5, 0, -1)
	if err != nil {
		return err
	}
	defer rc.Close()

	buf := make([]byte, cloneChunkSize)
	var copied int64
	for copied < size {
		n, err := rc.Read(buf)
		if n > 0 {
			if err := w.AddBlobData(blobMD5, buf[:n]); err != nil {
				return err
			}
			copied += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if copied != size {
		return &IntegrityError{Reason: fmt.Sprintf("blob %s yielded %d bytes, expected %d", blobMD5, copied, size)}
	}
	return nil
}

// Commit seals the staging directory and installs it as the next
// snapshot of the session, returning the assigned id. The mutex is
// released whether the commit succeeds or fails, and the writer is
// closed either way.
//
// An empty sessioninfo defaults to {"name": <session name>}; a
// non-empty one must carry the writer's session name.
func (w *SessionWriter) Commit(sessioninfo map[string]json.RawMessage) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	id, err := w.commit(sessioninfo)
	w.close()
	return id, err
}

func (w *SessionWriter) commit(sessioninfo map[string]json.RawMessage) (int, error) {
	// Every staged blob must hash to its name.
	for name, summer := range w.summers {
		if got := hex.EncodeToString(summer.Sum(nil)); got != name {
			return 0, &IntegrityError{Reason: fmt.Sprintf("corrupted blob in new snapshot: staged %s hashes to %s", name, got)}
		}
	}

	if len(sessioninfo) == 0 {
		nameJSON, err := json.Marshal(w.name)
		if err != nil {
			return 0, err
		}
		sessioninfo = map[string]json.RawMessage{"name": nameJSON}
	} else {
		var committedName string
		raw, ok := sessioninfo["name"]
		if ok {
			if err := json.Unmarshal(raw, &committedName); err != nil {
				return 0, fmt.Errorf("blobrepo: sessioninfo name: %w", err)
			}
		}
		if committedName != w.name {
			return 0, &NameMismatchError{Committed: committedName, Expected: w.name}
		}
	}

	resulting := make([]FileEntry, 0, len(w.resulting))
	for _, e := range w.resulting {
		resulting = append(resulting, e)
	}
	fingerprint := BloblistFingerprint(resulting)

	bloblist := make([]FileEntry, 0, len(w.order))
	for _, filename := range w.order {
		bloblist = append(bloblist, w.metadatas[filename])
	}

	var base *int
	if w.base != 0 {
		b := w.base
		base = &b
	}
	props := snapshotProps{
		BaseSession: base,
		Fingerprint: fingerprint,
		ClientData:  sessioninfo,
	}

	bloblistPath := filepath.Join(w.stagingPath, bloblistFileName)
	if err := writeJSONOnce(bloblistPath, bloblist); err != nil {
		return 0, err
	}
	sessionPath := filepath.Join(w.stagingPath, sessionFileName)
	if err := writeJSONOnce(sessionPath, props); err != nil {
		return 0, err
	}

	bloblistSum, err := hashutil.SumFile(bloblistPath)
	if err != nil {
		return 0, err
	}
	sessionSum, err := hashutil.SumFile(sessionPath)
	if err != nil {
		return 0, err
	}
	checksums := bloblistSum + " *" + bloblistFileName + "\n" + sessionSum + " *" + sessionFileName + "\n"
	if err := os.WriteFile(filepath.Join(w.stagingPath, checksumFileName), []byte(checksums), 0o644); err != nil {
		return 0, err
	}

	marker, err := os.OpenFile(filepath.Join(w.stagingPath, fingerprint+".fingerprint"), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	if err := marker.Close(); err != nil {
		return 0, err
	}

	// Fail-safe against lock trouble: the session head must not have
	// moved while we held the mutex.
	latest, err := w.repo.FindLastRevision(w.name)
	if err != nil {
		return 0, err
	}
	if latest != w.latest {
		return 0, &ConcurrentModificationError{Session: w.name}
	}

	return w.repo.ConsolidateSnapshot(w.stagingPath, w.forcedID)
}

// Abort releases the session mutex without committing. The staging
// directory is left behind under tmp/.
func (w *SessionWriter) Abort() {
	if w.closed {
		return
	}
	w.close()
}

// abortCommit closes the writer and passes the error through. Used on
// failures inside CommitClone before the regular commit path takes
// over mutex release.
func (w *SessionWriter) abortCommit(err error) error {
	w.close()
	return err
}

func (w *SessionWriter) close() {
	w.closed = true
	if w.mutex.IsLocked() {
		w.mutex.Unlock()
	}
}
