// Copyright 2026 the boar-with-shoes authors
// SPDX-License-Identifier: Apache-2.0

package blobrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/serialhex/boar-with-shoes/hashutil"
)

// SplitBlob cuts the stored raw blob into pieces at the given
// positions and stages a concat recipe that reconstructs it. Cut
// positions must be distinct and strictly inside the blob. Pieces the
// repository already has, or that repeat within this call, are not
// staged again. The original blob is left in place; removing it once
// the recipe is installed is the garbage collector's business.
//
// The staged pieces and recipe are installed by the writer's regular
// commit. Returns the piece digests in concatenation order.
func (w *SessionWriter) SplitBlob(blobMD5 string, cutPositions []int64) ([]string, error) {
	if w.closed {
		return nil, ErrWriterClosed
	}
	if !w.repo.HasRawBlob(blobMD5) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, blobMD5)
	}
	if len(cutPositions) == 0 {
		return nil, fmt.Errorf("blobrepo: empty cut list")
	}

	blobPath := w.repo.blobPath(blobMD5)
	info, err := os.Stat(blobPath)
	if err != nil {
		return nil, err
	}
	size := info.Size()

	cuts := make([]int64, 0, len(cutPositions)+2)
	seen := make(map[int64]bool, len(cutPositions))
	for _, c := range cutPositions {
		if seen[c] {
			return nil, fmt.Errorf("blobrepo: duplicate entry %d in cut list", c)
		}
		seen[c] = true
		if c <= 0 || c >= size {
			return nil, fmt.Errorf("blobrepo: cut for %s out of range: %d (blob is %d bytes)", blobMD5, c, size)
		}
		cuts = append(cuts, c)
	}
	cuts = append(cuts, 0, size)
	sort.Slice(cuts, func(i, j int) bool { return cuts[i] < cuts[j] })

	recipePath := filepath.Join(w.stagingPath, blobMD5+".recipe")
	if _, err := os.Stat(recipePath); err == nil {
		return nil, fmt.Errorf("blobrepo: recipe for %s already staged", blobMD5)
	}

	pieces := make([]string, 0, len(cuts)-1)
	recipePieces := make([]RecipePiece, 0, len(cuts)-1)
	staged := make(map[string]bool)
	var offset int64
	for i := 0; i+1 < len(cuts); i++ {
		start, end := cuts[i], cuts[i+1]
		pieceSum, err := hashutil.SumFileRange(blobPath, start, end)
		if err != nil {
			return nil, err
		}
		if !w.repo.HasBlob(pieceSum) && !w.HasBlob(pieceSum) && !staged[pieceSum] {
			destination := filepath.Join(w.stagingPath, pieceSum)
			if err := copyFileRange(blobPath, destination, start, end, pieceSum); err != nil {
				return nil, err
			}
			staged[pieceSum] = true
		}
		pieces = append(pieces, pieceSum)
		recipePieces = append(recipePieces, RecipePiece{
			Source: pieceSum,
			Offset: offset,
			Length: end - start,
		})
		offset += end - start
	}

	recipe := Recipe{
		Method: RecipeMethodConcat,
		MD5:    blobMD5,
		Size:   size,
		Pieces: recipePieces,
	}
	if err := writeJSONOnce(recipePath, recipe); err != nil {
		return nil, err
	}
	return pieces, nil
}
