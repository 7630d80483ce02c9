// Copyright 2026 the boar-with-shoes authors
// SPDX-License-Identifier: Apache-2.0

package blobrepo

import (
	"bytes"
	"os"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
)

// revisionCacheName is the cache file inside tmp/. The cache is
// derived data: it maps snapshot ids to the session name and
// fingerprint recorded in their session.json, so that resolving a
// session head does not reread every snapshot. It is rebuilt from the
// snapshots themselves whenever it is missing or fails validation.
const revisionCacheName = "revisions.cache"

// cachedRevision is one cache record. Snapshots are immutable, so a
// record never changes once written.
type cachedRevision struct {
	Name        string `msgpack:"name"`
	Fingerprint string `msgpack:"fingerprint"`
}

// revisionCache is a lazily loaded, best-effort index. Failures to
// read or write it are swallowed; the repository falls back to
// scanning session.json files.
type revisionCache struct {
	path      string
	loaded    bool
	revisions map[int]cachedRevision
	dirty     bool
}

func newRevisionCache(path string) *revisionCache {
	return &revisionCache{path: path, revisions: make(map[int]cachedRevision)}
}

// lookup returns the cached session name for id.
func (c *revisionCache) lookup(id int) (string, bool) {
	c.load()
	rev, ok := c.revisions[id]
	return rev.Name, ok
}

// fingerprint returns the cached fingerprint for id.
func (c *revisionCache) fingerprint(id int) (string, bool) {
	c.load()
	rev, ok := c.revisions[id]
	return rev.Fingerprint, ok
}

// record adds a revision to the cache and persists it.
func (c *revisionCache) record(id int, name, fingerprint string) {
	c.load()
	if have, ok := c.revisions[id]; ok && have.Name == name && have.Fingerprint == fingerprint {
		return
	}
	c.revisions[id] = cachedRevision{Name: name, Fingerprint: fingerprint}
	c.dirty = true
	c.save()
}

// load reads and validates the cache file. The file is a 32-byte
// BLAKE3-256 tag followed by a msgpack map encoded with sorted keys;
// any mismatch discards the file.
func (c *revisionCache) load() {
	if c.loaded {
		return
	}
	c.loaded = true

	data, err := os.ReadFile(c.path)
	if err != nil || len(data) < 32 {
		return
	}
	var tag [32]byte
	copy(tag[:], data[:32])
	body := data[32:]
	if blake3.Sum256(body) != tag {
		os.Remove(c.path)
		return
	}
	var revisions map[int]cachedRevision
	if err := msgpack.Unmarshal(body, &revisions); err != nil {
		os.Remove(c.path)
		return
	}
	for id, rev := range revisions {
		c.revisions[id] = rev
	}
}

// save writes the cache through a rename so readers never observe a
// torn file. Encoding uses sorted map keys for determinism.
func (c *revisionCache) save() {
	if !c.dirty {
		return
	}

	buf := &bytes.Buffer{}
	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(c.revisions); err != nil {
		return
	}
	body := buf.Bytes()
	tag := blake3.Sum256(body)

	tmp := c.path + ".new"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return
	}
	if _, err := f.Write(tag[:]); err != nil {
		f.Close()
		os.Remove(tmp)
		return
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmp)
		return
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return
	}
	c.dirty = false
}
