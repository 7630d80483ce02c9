// Copyright 2026 the boar-with-shoes authors
// SPDX-License-Identifier: Apache-2.0

// Package blobrepo implements the content-addressed snapshot
// repository: deduplicated blob storage, concat recipes, and named
// linear histories of immutable snapshots.
//
// # Layout
//
// A repository is a directory with four fixed children:
//
//	blobs/<hex32>              raw blobs, named by their MD5 digest
//	recipes/<hex32>.recipe     JSON concat-recipes
//	snapshots/<int>/           installed snapshots, numbered densely
//	tmp/                       writer staging and lock directories
//
// Snapshots are assembled in a staging directory under tmp/ by a
// SessionWriter and installed atomically by ConsolidateSnapshot. Once
// installed, blobs and snapshots are never mutated or deleted.
package blobrepo

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/serialhex/boar-with-shoes/hashutil"
)

// Repository subdirectories.
const (
	blobsDirName     = "blobs"
	recipesDirName   = "recipes"
	snapshotsDirName = "snapshots"
	tmpDirName       = "tmp"
)

// consolidateMutexName guards the repository-wide id assignment and
// install step. The leading double underscore keeps it out of the
// public session namespace.
const consolidateMutexName = "__repository"

// consolidateLockTimeout bounds how long an installer waits for the
// repository-wide lock. The critical section is a handful of renames,
// so a holder never keeps it for long.
const consolidateLockTimeout = 30 * time.Second

// Repository is the on-disk store. It owns the layout; writers and
// readers hold a plain handle to it and never own it back.
type Repository struct {
	path  string
	log   logrus.FieldLogger
	cache *revisionCache
}

// Create initializes an empty repository at path and opens it. The
// directory must not already contain a repository.
func Create(path string, log logrus.FieldLogger) (*Repository, error) {
	if _, err := os.Stat(filepath.Join(path, blobsDirName)); err == nil {
		return nil, fmt.Errorf("blobrepo: %s already contains a repository", path)
	}
	for _, sub := range []string{blobsDirName, recipesDirName, snapshotsDirName, tmpDirName} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0o755); err != nil {
			return nil, fmt.Errorf("blobrepo: create repository: %w", err)
		}
	}
	return Open(path, log)
}

// Open opens an existing repository. The logger must not be nil; it
// is handed to every lock and writer the repository creates.
func Open(path string, log logrus.FieldLogger) (*Repository, error) {
	for _, sub := range []string{blobsDirName, recipesDirName, snapshotsDirName, tmpDirName} {
		info, err := os.Stat(filepath.Join(path, sub))
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("blobrepo: %s is not a repository (missing %s/)", path, sub)
		}
	}
	repo := &Repository{path: path, log: log}
	repo.cache = newRevisionCache(filepath.Join(path, tmpDirName, revisionCacheName))
	return repo, nil
}

// Path returns the repository root directory.
func (r *Repository) Path() string {
	return r.path
}

func (r *Repository) blobPath(h string) string {
	return filepath.Join(r.path, blobsDirName, h)
}

func (r *Repository) recipePath(h string) string {
	return filepath.Join(r.path, recipesDirName, h+".recipe")
}

func (r *Repository) snapshotPath(id int) string {
	return filepath.Join(r.path, snapshotsDirName, strconv.Itoa(id))
}

// TmpDir returns the scratch directory used for staging and locks.
func (r *Repository) TmpDir() string {
	return filepath.Join(r.path, tmpDirName)
}

// HasRawBlob reports whether the literal blob file exists.
func (r *Repository) HasRawBlob(h string) bool {
	info, err := os.Stat(r.blobPath(h))
	return err == nil && info.Mode().IsRegular()
}

// hasRecipe reports whether a recipe file exists for h.
func (r *Repository) hasRecipe(h string) bool {
	info, err := os.Stat(r.recipePath(h))
	return err == nil && info.Mode().IsRegular()
}

// HasBlob reports whether h resolves to content: either a raw blob or
// a recipe.
func (r *Repository) HasBlob(h string) bool {
	return r.HasRawBlob(h) || r.hasRecipe(h)
}

// getRecipe loads and validates the recipe for h.
func (r *Repository) getRecipe(h string) (*Recipe, error) {
	var recipe Recipe
	if err := readJSON(r.recipePath(h), &recipe); err != nil {
		return nil, err
	}
	if recipe.MD5 != h {
		return nil, &IntegrityError{Reason: fmt.Sprintf("recipe file %s declares md5sum %s", h, recipe.MD5)}
	}
	if err := recipe.Validate(); err != nil {
		return nil, err
	}
	return &recipe, nil
}

// GetBlobSize returns the content size of h in bytes. For recipe
// blobs the size field is used; the blob is never materialized.
func (r *Repository) GetBlobSize(h string) (int64, error) {
	if r.HasRawBlob(h) {
		info, err := os.Stat(r.blobPath(h))
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	}
	if r.hasRecipe(h) {
		recipe, err := r.getRecipe(h)
		if err != nil {
			return 0, err
		}
		return recipe.Size, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrBlobNotFound, h)
}

// GetBlobReader returns a lazy byte source over the content of h,
// starting at offset. length == -1 means to the end. Recipe blobs are
// stitched across piece boundaries without buffering the whole blob.
func (r *Repository) GetBlobReader(h string, offset, length int64) (io.ReadCloser, error) {
	if r.HasRawBlob(h) {
		f, err := os.Open(r.blobPath(h))
		if err != nil {
			return nil, err
		}
		if offset > 0 {
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				f.Close()
				return nil, err
			}
		}
		if length == -1 {
			return f, nil
		}
		return &limitedFileReader{f: f, remaining: length}, nil
	}
	if r.hasRecipe(h) {
		recipe, err := r.getRecipe(h)
		if err != nil {
			return nil, err
		}
		return newRecipeReader(r, recipe, offset, length)
	}
	return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, h)
}

// GetBlob reads the full content of h into memory. Callers must know
// the blob is of reasonable size.
func (r *Repository) GetBlob(h string) ([]byte, error) {
	rc, err := r.GetBlobReader(h, 0, -1)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// VerifyBlob recomputes the digest over the content of h and reports
// whether it matches.
func (r *Repository) VerifyBlob(h string) (bool, error) {
	rc, err := r.GetBlobReader(h, 0, -1)
	if err != nil {
		return false, err
	}
	defer rc.Close()
	sum, err := hashutil.SumReader(rc)
	if err != nil {
		return false, err
	}
	return sum == h, nil
}

// GetBlobNames enumerates every raw blob digest in the repository.
func (r *Repository) GetBlobNames() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.path, blobsDirName))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && hashutil.IsMD5Hex(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// GetAllSessions returns the ids of all installed snapshots in
// ascending order.
func (r *Repository) GetAllSessions() ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(r.path, snapshotsDirName))
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(entries))
	for _, e := range entries {
		id, err := strconv.Atoi(e.Name())
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// HasSnapshot reports whether a snapshot with the given id is
// installed.
func (r *Repository) HasSnapshot(id int) bool {
	info, err := os.Stat(r.snapshotPath(id))
	return err == nil && info.IsDir()
}

// GetSession returns a reader for the snapshot with the given id.
func (r *Repository) GetSession(id int) (*SessionReader, error) {
	if !r.HasSnapshot(id) {
		return nil, fmt.Errorf("%w: %d", ErrSnapshotNotFound, id)
	}
	return newSessionReader(r, id, r.snapshotPath(id))
}

// FindLastRevision returns the greatest snapshot id committed under
// the given session name, or 0 if the session does not exist.
func (r *Repository) FindLastRevision(name string) (int, error) {
	ids, err := r.GetAllSessions()
	if err != nil {
		return 0, err
	}
	last := 0
	for _, id := range ids {
		sessionName, err := r.sessionNameOf(id)
		if err != nil {
			return 0, err
		}
		if sessionName == name {
			last = id
		}
	}
	return last, nil
}

// sessionNameOf resolves the session name a snapshot was committed
// under, consulting the revision cache before falling back to
// session.json.
func (r *Repository) sessionNameOf(id int) (string, error) {
	if name, ok := r.cache.lookup(id); ok {
		return name, nil
	}
	reader, err := r.GetSession(id)
	if err != nil {
		return "", err
	}
	name, err := reader.SessionName()
	if err != nil {
		return "", err
	}
	r.cache.record(id, name, reader.Fingerprint())
	return name, nil
}

// FindByFingerprint returns the ids of all snapshots whose effective
// tree carries the given fingerprint, using the marker files so no
// session.json needs parsing.
func (r *Repository) FindByFingerprint(fingerprint string) ([]int, error) {
	ids, err := r.GetAllSessions()
	if err != nil {
		return nil, err
	}
	var out []int
	for _, id := range ids {
		if fp, ok := r.cache.fingerprint(id); ok {
			if fp == fingerprint {
				out = append(out, id)
			}
			continue
		}
		marker := filepath.Join(r.snapshotPath(id), fingerprint+".fingerprint")
		if _, err := os.Stat(marker); err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

// CreateSession starts a staged snapshot for the given session name.
// base == 0 means no base snapshot; forcedID == 0 lets consolidation
// assign the next id.
func (r *Repository) CreateSession(name string, base, forcedID int) (*SessionWriter, error) {
	return newSessionWriter(r, name, base, forcedID)
}

// ConsolidateSnapshot atomically installs a sealed staging directory:
// staged blobs move to blobs/, staged recipes to recipes/, and the
// directory itself becomes snapshots/<id>. On failure the staging
// directory is left in place for diagnosis; blobs already installed
// stay installed (an unreferenced blob is a harmless orphan).
func (r *Repository) ConsolidateSnapshot(stagingPath string, forcedID int) (int, error) {
	info, err := os.Stat(stagingPath)
	if err != nil || !info.IsDir() {
		return 0, fmt.Errorf("%w: %s", ErrStagingNotFound, stagingPath)
	}

	lock := NewFileMutex(r.TmpDir(), consolidateMutexName, r.log)
	if err := lock.LockWithTimeout(consolidateLockTimeout); err != nil {
		return 0, err
	}
	defer lock.Unlock()

	id := forcedID
	if id != 0 {
		if id < 0 {
			return 0, fmt.Errorf("blobrepo: forced snapshot id must be positive, got %d", id)
		}
		if r.HasSnapshot(id) {
			return 0, fmt.Errorf("%w: %d", ErrSnapshotExists, id)
		}
	} else {
		ids, err := r.GetAllSessions()
		if err != nil {
			return 0, err
		}
		id = 1
		if len(ids) > 0 {
			id = ids[len(ids)-1] + 1
		}
	}

	entries, err := os.ReadDir(stagingPath)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		switch {
		case hashutil.IsMD5Hex(name):
			if err := moveNoOverwrite(filepath.Join(stagingPath, name), r.blobPath(name)); err != nil {
				return 0, err
			}
		case strings.HasSuffix(name, ".recipe") && hashutil.IsMD5Hex(strings.TrimSuffix(name, ".recipe")):
			if err := moveNoOverwrite(filepath.Join(stagingPath, name), r.recipePath(strings.TrimSuffix(name, ".recipe"))); err != nil {
				return 0, err
			}
		}
	}

	if err := os.Rename(stagingPath, r.snapshotPath(id)); err != nil {
		return 0, fmt.Errorf("blobrepo: install snapshot %d: %w", id, err)
	}

	if reader, err := r.GetSession(id); err == nil {
		if name, err := reader.SessionName(); err == nil {
			r.cache.record(id, name, reader.Fingerprint())
		}
	}
	return id, nil
}

// limitedFileReader serves a bounded window of an already positioned
// file.
type limitedFileReader struct {
	f         *os.File
	remaining int64
}

func (l *limitedFileReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.f.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (l *limitedFileReader) Close() error {
	return l.f.Close()
}
