// Copyright 2026 the boar-with-shoes authors
// SPDX-License-Identifier: Apache-2.0

package blobrepo

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	foxText    = "The quick brown fox jumps over the lazy dog"
	foxDotText = "The quick brown fox jumps over the lazy dog."
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Create(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("create repository: %v", err)
	}
	return repo
}

func sessionInfo(name string) map[string]json.RawMessage {
	raw, _ := json.Marshal(name)
	return map[string]json.RawMessage{"name": raw}
}

// commitFile commits a one-file snapshot and returns the assigned id.
func commitFile(t *testing.T, repo *Repository, session, filename, content string, base int) int {
	t.Helper()
	w, err := repo.CreateSession(session, base, 0)
	if err != nil {
		t.Fatalf("create session %s: %v", session, err)
	}
	sum := md5hex(content)
	if !repo.HasBlob(sum) {
		if err := w.AddBlobData(sum, []byte(content)); err != nil {
			t.Fatalf("add blob data: %v", err)
		}
	}
	if err := w.Add(FileEntry{Filename: filename, MD5: sum}); err != nil {
		t.Fatalf("add: %v", err)
	}
	id, err := w.Commit(sessionInfo(session))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return id
}

func readAllBlob(t *testing.T, repo *Repository, sum string) []byte {
	t.Helper()
	data, err := repo.GetBlob(sum)
	if err != nil {
		t.Fatalf("get blob %s: %v", sum, err)
	}
	return data
}

func TestSingleFileSnapshot(t *testing.T) {
	repo := testRepo(t)

	id := commitFile(t, repo, "A", "note.txt", foxText, 0)
	if id != 1 {
		t.Fatalf("first snapshot id = %d, want 1", id)
	}

	last, err := repo.FindLastRevision("A")
	if err != nil {
		t.Fatal(err)
	}
	if last != 1 {
		t.Errorf("FindLastRevision(A) = %d, want 1", last)
	}

	reader, err := repo.GetSession(1)
	if err != nil {
		t.Fatal(err)
	}
	want := md5hex("note.txt!SEPARATOR!" + foxSum + "!SEPARATOR!")
	if reader.Fingerprint() != want {
		t.Errorf("fingerprint = %s, want %s", reader.Fingerprint(), want)
	}

	if got := readAllBlob(t, repo, foxSum); string(got) != foxText {
		t.Errorf("blob content = %q", got)
	}

	// The snapshot directory carries all four files of the contract.
	snapDir := filepath.Join(repo.Path(), "snapshots", "1")
	for _, name := range []string{"bloblist.json", "session.json", "session.md5", want + ".fingerprint"} {
		if _, err := os.Stat(filepath.Join(snapDir, name)); err != nil {
			t.Errorf("snapshot file %s missing: %v", name, err)
		}
	}
}

func TestIncrementalReplace(t *testing.T) {
	repo := testRepo(t)

	commitFile(t, repo, "A", "note.txt", foxText, 0)
	id := commitFile(t, repo, "A", "note.txt", foxDotText, 1)
	if id != 2 {
		t.Fatalf("second snapshot id = %d, want 2", id)
	}

	reader, err := repo.GetSession(2)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := reader.EffectiveBloblist()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("effective bloblist has %d entries, want 1", len(entries))
	}
	if entries[0].Filename != "note.txt" || entries[0].MD5 != foxDotSum {
		t.Errorf("effective entry = %+v", entries[0])
	}
}

func TestRemove(t *testing.T) {
	repo := testRepo(t)
	commitFile(t, repo, "A", "note.txt", foxText, 0)
	commitFile(t, repo, "A", "note.txt", foxDotText, 1)

	w, err := repo.CreateSession("A", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Remove("note.txt"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	id, err := w.Commit(sessionInfo("A"))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if id != 3 {
		t.Fatalf("id = %d, want 3", id)
	}

	reader, err := repo.GetSession(3)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := reader.EffectiveBloblist()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("effective bloblist = %+v, want empty", entries)
	}
	if reader.Fingerprint() != emptySum {
		t.Errorf("fingerprint = %s, want %s", reader.Fingerprint(), emptySum)
	}

	// The removal is recorded in the raw bloblist.
	raw, err := reader.RawBloblist()
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 1 || !raw[0].IsRemove() {
		t.Errorf("raw bloblist = %+v, want one remove entry", raw)
	}
}

func TestRemoveRequiresBase(t *testing.T) {
	repo := testRepo(t)
	w, err := repo.CreateSession("A", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Abort()
	if err := w.Remove("anything.txt"); err == nil {
		t.Error("remove without base succeeded")
	}
}

func TestRemoveAbsentFileFails(t *testing.T) {
	repo := testRepo(t)
	commitFile(t, repo, "A", "note.txt", foxText, 0)

	w, err := repo.CreateSession("A", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Abort()
	if err := w.Remove("other.txt"); err == nil {
		t.Error("remove of file absent from base succeeded")
	}
}

func TestBlobDedupAcrossSessions(t *testing.T) {
	repo := testRepo(t)
	commitFile(t, repo, "X", "one.txt", foxText, 0)
	commitFile(t, repo, "Y", "two.txt", foxText, 0)

	names, err := repo.GetBlobNames()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != foxSum {
		t.Errorf("blob names = %v, want exactly [%s]", names, foxSum)
	}
}

func TestConcurrentWriterRejected(t *testing.T) {
	repo := testRepo(t)

	first, err := repo.CreateSession("W", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Abort()

	before, err := os.ReadDir(repo.TmpDir())
	if err != nil {
		t.Fatal(err)
	}

	_, err = repo.CreateSession("W", 0, 0)
	var locked *MutexLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("second writer error = %v, want MutexLockedError", err)
	}

	// The failed writer must not leave a staging directory behind.
	after, err := os.ReadDir(repo.TmpDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Errorf("tmp entries went from %d to %d after failed acquisition", len(before), len(after))
	}
}

func TestCorruptedStagingAborts(t *testing.T) {
	repo := testRepo(t)

	w, err := repo.CreateSession("A", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	wrongSum := strings.Repeat("a", 32)
	if err := w.AddBlobData(wrongSum, []byte("hello")); err != nil {
		t.Fatalf("add blob data: %v", err)
	}

	_, err = w.Commit(sessionInfo("A"))
	if !IsIntegrityError(err) {
		t.Fatalf("commit = %v, want IntegrityError", err)
	}

	// No snapshot was installed and the mutex was released.
	ids, err := repo.GetAllSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("snapshots after failed commit: %v", ids)
	}
	w2, err := repo.CreateSession("A", 0, 0)
	if err != nil {
		t.Fatalf("mutex not released after failed commit: %v", err)
	}
	w2.Abort()
}

func TestZeroLengthBlob(t *testing.T) {
	repo := testRepo(t)

	w, err := repo.CreateSession("A", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddBlobData(emptySum, nil); err != nil {
		t.Fatalf("add empty blob: %v", err)
	}
	if !w.HasBlob(emptySum) {
		t.Fatal("staged empty blob not visible")
	}
	if err := w.Add(FileEntry{Filename: "empty.txt", MD5: emptySum}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Commit(sessionInfo("A")); err != nil {
		t.Fatalf("commit: %v", err)
	}

	data := readAllBlob(t, repo, emptySum)
	if len(data) != 0 {
		t.Errorf("empty blob round-tripped as %d bytes", len(data))
	}
}

func TestAddBlobDataFragments(t *testing.T) {
	repo := testRepo(t)

	w, err := repo.CreateSession("A", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	half := len(foxText) / 2
	if err := w.AddBlobData(foxSum, []byte(foxText[:half])); err != nil {
		t.Fatal(err)
	}
	if err := w.AddBlobData(foxSum, []byte(foxText[half:])); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(FileEntry{Filename: "note.txt", MD5: foxSum}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Commit(sessionInfo("A")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := readAllBlob(t, repo, foxSum); string(got) != foxText {
		t.Errorf("fragmented blob = %q", got)
	}
}

func TestAddBlobDataRejectsKnownBlob(t *testing.T) {
	repo := testRepo(t)
	commitFile(t, repo, "A", "note.txt", foxText, 0)

	w, err := repo.CreateSession("B", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Abort()
	if err := w.AddBlobData(foxSum, []byte(foxText)); !errors.Is(err, ErrBlobExists) {
		t.Errorf("AddBlobData of existing blob = %v, want ErrBlobExists", err)
	}
}

func TestAddRejectsUnknownBlob(t *testing.T) {
	repo := testRepo(t)
	w, err := repo.CreateSession("A", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Abort()
	if err := w.Add(FileEntry{Filename: "a.txt", MD5: foxSum}); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Add with missing blob = %v, want ErrBlobNotFound", err)
	}
}

func TestAddRejectsDuplicateFilename(t *testing.T) {
	repo := testRepo(t)
	w, err := repo.CreateSession("A", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Abort()
	if err := w.AddBlobData(foxSum, []byte(foxText)); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(FileEntry{Filename: "a.txt", MD5: foxSum}); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(FileEntry{Filename: "a.txt", MD5: foxSum}); err == nil {
		t.Error("duplicate filename accepted")
	}
}

func TestCommitNameMismatch(t *testing.T) {
	repo := testRepo(t)
	w, err := repo.CreateSession("A", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, err = w.Commit(sessionInfo("B"))
	var mismatch *NameMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("commit = %v, want NameMismatchError", err)
	}
}

func TestCommitDefaultsSessionInfo(t *testing.T) {
	repo := testRepo(t)
	w, err := repo.CreateSession("A", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	id, err := w.Commit(nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	reader, err := repo.GetSession(id)
	if err != nil {
		t.Fatal(err)
	}
	name, err := reader.SessionName()
	if err != nil {
		t.Fatal(err)
	}
	if name != "A" {
		t.Errorf("defaulted session name = %q", name)
	}
}

func TestWriterSingleUse(t *testing.T) {
	repo := testRepo(t)
	w, err := repo.CreateSession("A", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Commit(nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(FileEntry{Filename: "x", MD5: foxSum}); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Add after commit = %v, want ErrWriterClosed", err)
	}
	if _, err := w.Commit(nil); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("second commit = %v, want ErrWriterClosed", err)
	}
}

func TestForcedSnapshotID(t *testing.T) {
	repo := testRepo(t)

	w, err := repo.CreateSession("A", 0, 42)
	if err != nil {
		t.Fatal(err)
	}
	id, err := w.Commit(nil)
	if err != nil {
		t.Fatal(err)
	}
	if id != 42 {
		t.Fatalf("forced id = %d, want 42", id)
	}

	// Collision with an installed id fails.
	w2, err := repo.CreateSession("B", 0, 42)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w2.Commit(nil); !errors.Is(err, ErrSnapshotExists) {
		t.Errorf("colliding forced id = %v, want ErrSnapshotExists", err)
	}

	// Negative ids are rejected at construction.
	if _, err := repo.CreateSession("C", 0, -1); err == nil {
		t.Error("negative forced id accepted")
	}
}

func TestConcurrentModificationBackstop(t *testing.T) {
	repo := testRepo(t)
	commitFile(t, repo, "A", "note.txt", foxText, 0)

	w, err := repo.CreateSession("A", 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a misbehaving concurrent writer by removing the lock
	// directory and committing under the same session name.
	lock := NewFileMutex(repo.TmpDir(), "A", testLogger())
	if err := os.Remove(lock.Path()); err != nil {
		t.Fatal(err)
	}
	commitFile(t, repo, "A", "other.txt", foxDotText, 0)

	_, err = w.Commit(sessionInfo("A"))
	var cm *ConcurrentModificationError
	if !errors.As(err, &cm) {
		t.Fatalf("commit = %v, want ConcurrentModificationError", err)
	}
}

func TestCommitClone(t *testing.T) {
	source := testRepo(t)
	commitFile(t, source, "A", "note.txt", foxText, 0)
	commitFile(t, source, "A", "extra.txt", foxDotText, 1)

	src, err := source.GetSession(2)
	if err != nil {
		t.Fatal(err)
	}

	dest := testRepo(t)
	// The clone needs the base snapshot in place first.
	cloneSnapshot(t, dest, source, 1, "A")

	w, err := dest.CreateSession("A", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	id, err := w.CommitClone(src)
	if err != nil {
		t.Fatalf("commit clone: %v", err)
	}
	if id != 2 {
		t.Fatalf("cloned id = %d, want 2", id)
	}

	got, err := dest.GetSession(2)
	if err != nil {
		t.Fatal(err)
	}
	wantEntries, err := src.EffectiveBloblist()
	if err != nil {
		t.Fatal(err)
	}
	gotEntries, err := got.EffectiveBloblist()
	if err != nil {
		t.Fatal(err)
	}
	if len(gotEntries) != len(wantEntries) {
		t.Fatalf("clone has %d effective entries, want %d", len(gotEntries), len(wantEntries))
	}
	wantSet := make(map[string]string)
	for _, e := range wantEntries {
		wantSet[e.Filename] = e.MD5
	}
	for _, e := range gotEntries {
		if wantSet[e.Filename] != e.MD5 {
			t.Errorf("clone entry %q = %s, want %s", e.Filename, e.MD5, wantSet[e.Filename])
		}
	}
	if got.Fingerprint() != src.Fingerprint() {
		t.Errorf("clone fingerprint = %s, want %s", got.Fingerprint(), src.Fingerprint())
	}
	if got.BaseSession() != src.BaseSession() {
		t.Errorf("clone base = %d, want %d", got.BaseSession(), src.BaseSession())
	}

	if data := readAllBlob(t, dest, foxDotSum); string(data) != foxDotText {
		t.Errorf("cloned blob = %q", data)
	}
}

// cloneSnapshot copies snapshot id of source into dest under the same
// session name using the clone path.
func cloneSnapshot(t *testing.T, dest, source *Repository, id int, session string) {
	t.Helper()
	src, err := source.GetSession(id)
	if err != nil {
		t.Fatal(err)
	}
	w, err := dest.CreateSession(session, 0, id)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.CommitClone(src); err != nil {
		t.Fatalf("clone snapshot %d: %v", id, err)
	}
}

func TestCommitCloneRejectsRecipes(t *testing.T) {
	source := testRepo(t)
	commitFile(t, source, "A", "big.txt", foxText, 0)

	// Split the blob and commit the recipe, then drop the raw blob so
	// only the recipe resolves it.
	w, err := source.CreateSession("A", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.SplitBlob(foxSum, []int64{9}); err != nil {
		t.Fatalf("split: %v", err)
	}
	if _, err := w.Commit(sessionInfo("A")); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(source.Path(), "blobs", foxSum)); err != nil {
		t.Fatal(err)
	}

	src, err := source.GetSession(1)
	if err != nil {
		t.Fatal(err)
	}
	dest := testRepo(t)
	w2, err := dest.CreateSession("A", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w2.CommitClone(src); !errors.Is(err, ErrCloneRecipe) {
		t.Errorf("clone of recipe blob = %v, want ErrCloneRecipe", err)
	}
}

func TestAbortReleasesMutex(t *testing.T) {
	repo := testRepo(t)
	w, err := repo.CreateSession("A", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	w.Abort()

	w2, err := repo.CreateSession("A", 0, 0)
	if err != nil {
		t.Fatalf("mutex not released by Abort: %v", err)
	}
	w2.Abort()
}

func TestBlobReaderOffsets(t *testing.T) {
	repo := testRepo(t)
	commitFile(t, repo, "A", "note.txt", foxText, 0)

	rc, err := repo.GetBlobReader(foxSum, 4, 5)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != foxText[4:9] {
		t.Errorf("windowed read = %q, want %q", data, foxText[4:9])
	}
}
