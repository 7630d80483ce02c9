// Copyright 2026 the boar-with-shoes authors
// SPDX-License-Identifier: Apache-2.0

// boar-serve runs the repository daemon: it opens (or initializes) a
// repository and serves the framed JSON-RPC protocol on a TCP
// listener.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	boar "github.com/serialhex/boar-with-shoes"
	"github.com/serialhex/boar-with-shoes/blobrepo"
	"github.com/serialhex/boar-with-shoes/config"
	"github.com/serialhex/boar-with-shoes/wire"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	repoPath := flag.String("repo", "", "repository path (overrides config)")
	listenAddr := flag.String("listen", "", "listen address (overrides config)")
	initRepo := flag.Bool("init", false, "initialize the repository if it does not exist")
	flag.Parse()

	log := logrus.New()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, warnings, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("could not load config")
		}
		cfg = loaded
		for _, w := range warnings {
			log.Warn(w)
		}
	}
	if *repoPath != "" {
		cfg.RepoPath = *repoPath
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if cfg.RepoPath == "" {
		fmt.Fprintln(os.Stderr, "no repository path given (use -repo or repo_path in the config)")
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Fatal("unknown log level")
	}
	log.SetLevel(level)

	repo, err := blobrepo.Open(cfg.RepoPath, log)
	if err != nil && *initRepo {
		repo, err = blobrepo.Create(cfg.RepoPath, log)
	}
	if err != nil {
		log.WithError(err).Fatal("could not open repository")
	}

	server := &wire.Server{
		NewHandlers: func() map[string]wire.Handler {
			return boar.NewRPCHandlers(repo)
		},
		ClassifyError: boar.ClassifyRPCError,
		ReadTimeout:   cfg.ReadTimeoutDuration(),
		Log:           log,
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.WithError(err).WithField("addr", cfg.ListenAddr).Fatal("could not listen")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.WithField("signal", sig.String()).Info("shutting down")
		server.Close()
	}()

	log.WithFields(logrus.Fields{
		"addr": cfg.ListenAddr,
		"repo": cfg.RepoPath,
	}).Info("serving repository")

	if err := server.Serve(listener); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
