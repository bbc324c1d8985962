package main

import (
	"context"
	"flag"
	"time"

	"github.com/garyvdm/gittree/server"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sirupsen/logrus"
)

var repoPath = flag.String("repo", "", "path to the git repository")

var ref = flag.String("ref", "HEAD", "ref to serve and commit to")

var addr = flag.String("addr", ":8080", "listen address")

var authKey = flag.String("auth_key", "", "auth key for write requests")

var refresh = flag.Duration("refresh", 30*time.Second, "reader refresh interval")

var configPath = flag.String("config", "", "optional YAML config file")

func main() {
	flag.Parse()
	cfg, err := loadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("error loading config")
	}
	cfg.applyFlags()
	if cfg.Repo == "" {
		logrus.Fatal("repo is required")
	}

	repo, err := git.PlainOpen(cfg.Repo)
	if err != nil {
		logrus.WithError(err).Fatal("error opening repository")
	}

	srv, err := server.NewServer(context.Background(), repo, cfg.Ref, cfg.Refresh)
	if err != nil {
		logrus.WithError(err).Fatal("error creating server")
	}
	srv.AuthKey = cfg.AuthKey
	if cfg.Author.Name != "" {
		srv.Author = &object.Signature{Name: cfg.Author.Name, Email: cfg.Author.Email}
	}

	srv.Start(cfg.Addr)
}
