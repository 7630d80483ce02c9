// Copyright 2026 the boar-with-shoes authors
// SPDX-License-Identifier: Apache-2.0

// boar-admin is the offline administration tool: repository
// initialization, integrity verification, and session inspection.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	boar "github.com/serialhex/boar-with-shoes"
	"github.com/serialhex/boar-with-shoes/blobrepo"
)

func main() {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	root := &cobra.Command{
		Use:           "boar-admin",
		Short:         "administer a snapshot repository",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "init <repo>",
		Short: "initialize an empty repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := blobrepo.Create(args[0], log); err != nil {
				return err
			}
			fmt.Printf("initialized repository at %s\n", args[0])
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "verify <repo>",
		Short: "verify every blob against its digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := blobrepo.Open(args[0], log)
			if err != nil {
				return err
			}
			front := boar.NewFront(repo)
			total, err := front.InitVerifyBlobs()
			if err != nil {
				return err
			}
			verified := 0
			for verified < total {
				batch, err := front.VerifySomeBlobs()
				verified += len(batch)
				if err != nil {
					return fmt.Errorf("after %d of %d blobs: %w", verified, total, err)
				}
				if len(batch) == 0 {
					break
				}
			}
			fmt.Printf("verified %d blobs\n", verified)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "sessions <repo>",
		Short: "list all snapshots with their session names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := blobrepo.Open(args[0], log)
			if err != nil {
				return err
			}
			ids, err := repo.GetAllSessions()
			if err != nil {
				return err
			}
			for _, id := range ids {
				reader, err := repo.GetSession(id)
				if err != nil {
					return err
				}
				name, err := reader.SessionName()
				if err != nil {
					return err
				}
				fmt.Printf("%d\t%s\t%s\n", id, name, reader.Fingerprint())
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "ls <repo> <snapshot-id>",
		Short: "list the effective file tree of a snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := blobrepo.Open(args[0], log)
			if err != nil {
				return err
			}
			var id int
			if _, err := fmt.Sscanf(args[1], "%d", &id); err != nil {
				return fmt.Errorf("invalid snapshot id %q", args[1])
			}
			reader, err := repo.GetSession(id)
			if err != nil {
				return err
			}
			return reader.WalkEffective(func(e blobrepo.FileEntry) error {
				var size int64 = -1
				if raw, ok := e.Extra["size"]; ok {
					json.Unmarshal(raw, &size)
				}
				if size >= 0 {
					fmt.Printf("%s\t%s\t%d\n", e.MD5, e.Filename, size)
				} else {
					fmt.Printf("%s\t%s\n", e.MD5, e.Filename)
				}
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "cat <repo> <blob-md5>",
		Short: "write blob content to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := blobrepo.Open(args[0], log)
			if err != nil {
				return err
			}
			rc, err := repo.GetBlobReader(args[1], 0, -1)
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(os.Stdout, rc)
			return err
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
