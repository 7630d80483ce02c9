// Copyright 2026 the boar-with-shoes authors
// SPDX-License-Identifier: Apache-2.0

package boar

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/serialhex/boar-with-shoes/blobrepo"
	"github.com/serialhex/boar-with-shoes/wire"
)

// NewRPCHandlers builds the method table for one connection. Every
// connection gets its own Front so staged snapshots and verification
// sweeps stay connection-local.
func NewRPCHandlers(repo *blobrepo.Repository) map[string]wire.Handler {
	front := NewFront(repo)
	return map[string]wire.Handler{
		"ping": func(params json.RawMessage) (any, error) {
			return "pong", nil
		},

		"create_session": func(params json.RawMessage) (any, error) {
			var p struct {
				Name string `json:"name"`
				Base int    `json:"base_session"`
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return nil, front.CreateSession(p.Name, p.Base)
		},

		"add_blob_data": func(params json.RawMessage) (any, error) {
			var p struct {
				BlobMD5 string `json:"blob_md5"`
				Data    []byte `json:"data"` // base64 on the wire
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return nil, front.AddBlobData(p.BlobMD5, p.Data)
		},

		"add": func(params json.RawMessage) (any, error) {
			var p struct {
				Metadata blobrepo.FileEntry `json:"metadata"`
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return nil, front.Add(p.Metadata)
		},

		"remove": func(params json.RawMessage) (any, error) {
			var p struct {
				Filename string `json:"filename"`
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return nil, front.Remove(p.Filename)
		},

		"commit": func(params json.RawMessage) (any, error) {
			var p struct {
				SessionInfo map[string]json.RawMessage `json:"sessioninfo"`
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return front.Commit(p.SessionInfo)
		},

		"cancel_snapshot": func(params json.RawMessage) (any, error) {
			front.CancelSnapshot()
			return nil, nil
		},

		"mksession": func(params json.RawMessage) (any, error) {
			var p struct {
				Name string `json:"name"`
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return front.Mksession(p.Name)
		},

		"has_blob": func(params json.RawMessage) (any, error) {
			var p struct {
				BlobMD5 string `json:"blob_md5"`
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return front.HasBlob(p.BlobMD5), nil
		},

		"get_blob_size": func(params json.RawMessage) (any, error) {
			var p struct {
				BlobMD5 string `json:"blob_md5"`
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return front.GetBlobSize(p.BlobMD5)
		},

		"get_blob": func(params json.RawMessage) (any, error) {
			var p struct {
				BlobMD5 string `json:"blob_md5"`
				Offset  int64  `json:"offset"`
				Size    int64  `json:"size"`
			}
			p.Size = -1
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			total, err := front.GetBlobSize(p.BlobMD5)
			if err != nil {
				return nil, err
			}
			if p.Offset < 0 || p.Offset > total {
				return nil, fmt.Errorf("boar: offset %d outside blob of %d bytes", p.Offset, total)
			}
			length := p.Size
			if length == -1 || p.Offset+length > total {
				length = total - p.Offset
			}
			reader, err := front.GetBlobReader(p.BlobMD5, p.Offset, length)
			if err != nil {
				return nil, err
			}
			return &wire.StreamResult{Size: length, Reader: reader}, nil
		},

		"find_last_revision": func(params json.RawMessage) (any, error) {
			var p struct {
				Name string `json:"session_name"`
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return front.FindLastRevision(p.Name)
		},

		"get_session_ids": func(params json.RawMessage) (any, error) {
			var p struct {
				Name string `json:"session_name"`
			}
			if len(params) != 0 {
				if err := decodeParams(params, &p); err != nil {
					return nil, err
				}
			}
			ids, err := front.GetSessionIDs(p.Name)
			if err != nil {
				return nil, err
			}
			if ids == nil {
				ids = []int{}
			}
			return ids, nil
		},

		"get_session_info": func(params json.RawMessage) (any, error) {
			var p struct {
				ID int `json:"snapshot_id"`
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return front.GetSessionInfo(p.ID)
		},

		"get_session_fingerprint": func(params json.RawMessage) (any, error) {
			var p struct {
				ID int `json:"snapshot_id"`
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return front.GetSessionFingerprint(p.ID)
		},

		"get_session_bloblist": func(params json.RawMessage) (any, error) {
			var p struct {
				ID int `json:"snapshot_id"`
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return front.GetSessionBloblist(p.ID)
		},

		"has_snapshot": func(params json.RawMessage) (any, error) {
			var p struct {
				Name string `json:"session_name"`
				ID   int    `json:"snapshot_id"`
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return front.HasSnapshot(p.Name, p.ID)
		},

		"set_session_ignore_list": func(params json.RawMessage) (any, error) {
			var p struct {
				Name     string   `json:"session_name"`
				Patterns []string `json:"patterns"`
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return nil, front.SetSessionIgnoreList(p.Name, p.Patterns)
		},

		"get_session_ignore_list": func(params json.RawMessage) (any, error) {
			var p struct {
				Name string `json:"session_name"`
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return front.GetSessionIgnoreList(p.Name)
		},

		"set_session_include_list": func(params json.RawMessage) (any, error) {
			var p struct {
				Name     string   `json:"session_name"`
				Patterns []string `json:"patterns"`
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return nil, front.SetSessionIncludeList(p.Name, p.Patterns)
		},

		"get_session_include_list": func(params json.RawMessage) (any, error) {
			var p struct {
				Name string `json:"session_name"`
			}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return front.GetSessionIncludeList(p.Name)
		},

		"init_verify_blobs": func(params json.RawMessage) (any, error) {
			return front.InitVerifyBlobs()
		},

		"verify_some_blobs": func(params json.RawMessage) (any, error) {
			succeeded, err := front.VerifySomeBlobs()
			if err != nil {
				return nil, err
			}
			if succeeded == nil {
				succeeded = []string{}
			}
			return succeeded, nil
		},
	}
}

// ClassifyRPCError refines handler errors into the JSON-RPC codes the
// protocol reserves. Anything unrecognized stays a procedure
// exception.
func ClassifyRPCError(err error) int {
	var invalidName *blobrepo.InvalidFilenameError
	if errors.As(err, &invalidName) {
		return wire.CodeInvalidParamValues
	}
	var badParams *paramError
	if errors.As(err, &badParams) {
		return wire.CodeInvalidParams
	}
	return 0
}

// paramError marks parameter decoding failures so they map to the
// invalid-params code.
type paramError struct {
	err error
}

func (e *paramError) Error() string {
	return "boar: invalid params: " + e.err.Error()
}

func (e *paramError) Unwrap() error {
	return e.err
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return &paramError{err: errors.New("missing params")}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &paramError{err: err}
	}
	return nil
}
