// Copyright 2026 the boar-with-shoes authors
// SPDX-License-Identifier: Apache-2.0

package blobrepo

import (
	"fmt"
	"io"
	"os"

	"github.com/serialhex/boar-with-shoes/hashutil"
)

// RecipeMethodConcat is the only recipe method this repository
// understands: the blob is the concatenation of the pieces.
const RecipeMethodConcat = "concat"

// RecipePiece is one byte range of a concat recipe. Source must
// resolve to a raw blob; recipes referencing other recipes are
// rejected.
type RecipePiece struct {
	Source string `json:"source"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// Recipe describes how to reconstruct a blob from pieces of other
// blobs.
type Recipe struct {
	Method string        `json:"method"`
	MD5    string        `json:"md5sum"`
	Size   int64         `json:"size"`
	Pieces []RecipePiece `json:"pieces"`
}

// Validate checks the structural recipe invariants: the concat
// method, a valid digest, and piece offsets that are contiguous from
// zero and sum to the total size.
func (r *Recipe) Validate() error {
	if r.Method != RecipeMethodConcat {
		return &IntegrityError{Reason: fmt.Sprintf("recipe for %s has unknown method %q", r.MD5, r.Method)}
	}
	if !hashutil.IsMD5Hex(r.MD5) {
		return &IntegrityError{Reason: fmt.Sprintf("recipe has invalid md5sum %q", r.MD5)}
	}
	var offset int64
	for i, p := range r.Pieces {
		if !hashutil.IsMD5Hex(p.Source) {
			return &IntegrityError{Reason: fmt.Sprintf("recipe %s piece %d has invalid source %q", r.MD5, i, p.Source)}
		}
		if p.Offset != offset {
			return &IntegrityError{Reason: fmt.Sprintf("recipe %s piece %d has offset %d, expected %d", r.MD5, i, p.Offset, offset)}
		}
		if p.Length < 0 {
			return &IntegrityError{Reason: fmt.Sprintf("recipe %s piece %d has negative length", r.MD5, i)}
		}
		offset += p.Length
	}
	if offset != r.Size {
		return &IntegrityError{Reason: fmt.Sprintf("recipe %s pieces sum to %d bytes, size says %d", r.MD5, offset, r.Size)}
	}
	return nil
}

// recipeReader stitches the byte ranges of a recipe together without
// materializing the reconstructed blob. It serves an arbitrary
// [offset, offset+length) window of the logical content.
type recipeReader struct {
	repo      *Repository
	recipe    *Recipe
	piece     int   // index into recipe.Pieces
	pieceOff  int64 // bytes already consumed of the current piece
	remaining int64 // bytes left to serve; -1 is unbounded handled at construction
	current   *os.File
}

// newRecipeReader positions a reader at the given offset of the
// reconstructed blob. length == -1 means to the end.
func newRecipeReader(repo *Repository, recipe *Recipe, offset, length int64) (*recipeReader, error) {
	if offset < 0 || offset > recipe.Size {
		return nil, fmt.Errorf("blobrepo: offset %d outside blob of %d bytes", offset, recipe.Size)
	}
	if length == -1 || offset+length > recipe.Size {
		length = recipe.Size - offset
	}
	r := &recipeReader{repo: repo, recipe: recipe, remaining: length}

	// Skip whole pieces in front of the window.
	for r.piece < len(recipe.Pieces) && offset >= recipe.Pieces[r.piece].Length {
		offset -= recipe.Pieces[r.piece].Length
		r.piece++
	}
	r.pieceOff = offset
	return r, nil
}

func (r *recipeReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}

	// Advance past exhausted or empty pieces.
	for r.piece < len(r.recipe.Pieces) && r.pieceOff >= r.recipe.Pieces[r.piece].Length {
		r.closeCurrent()
		r.pieceOff = 0
		r.piece++
	}
	if r.piece >= len(r.recipe.Pieces) {
		return 0, io.EOF
	}

	piece := r.recipe.Pieces[r.piece]
	if r.current == nil {
		// Depth is fixed at one: a piece must be a raw blob.
		if !r.repo.HasRawBlob(piece.Source) {
			return 0, &IntegrityError{Reason: fmt.Sprintf("recipe %s piece %s is not a raw blob", r.recipe.MD5, piece.Source)}
		}
		f, err := os.Open(r.repo.blobPath(piece.Source))
		if err != nil {
			return 0, err
		}
		if r.pieceOff > 0 {
			if _, err := f.Seek(r.pieceOff, io.SeekStart); err != nil {
				f.Close()
				return 0, err
			}
		}
		r.current = f
	}

	max := piece.Length - r.pieceOff
	if int64(len(p)) > max {
		p = p[:max]
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.current.Read(p)
	r.pieceOff += int64(n)
	r.remaining -= int64(n)
	if err == io.EOF {
		if r.pieceOff < piece.Length {
			return n, &IntegrityError{Reason: fmt.Sprintf("blob %s is shorter than recipe %s expects", piece.Source, r.recipe.MD5)}
		}
		err = nil
	}
	return n, err
}

func (r *recipeReader) closeCurrent() {
	if r.current != nil {
		r.current.Close()
		r.current = nil
	}
}

func (r *recipeReader) Close() error {
	r.closeCurrent()
	r.remaining = 0
	return nil
}
