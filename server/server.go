package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/garyvdm/gittree"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-http-utils/etag"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Server exposes the tree of a repository ref over HTTP: blob contents
// under /files/, tree listings under /tree/, and PUT/DELETE requests
// that become commits on the ref.
type Server struct {
	Repo            *git.Repository
	Ref             string
	RefreshInterval time.Duration
	AuthKey         string
	// Author is used for commits made through the server. When nil,
	// the identity comes from the environment or repository config.
	Author *object.Signature

	mu     sync.RWMutex
	reader *gittree.TreeReader
	cancel context.CancelFunc
}

// NewServer creates a server for ref and starts a background goroutine
// that periodically refreshes the read snapshot. An unborn ref is
// served as empty until the first write creates it.
func NewServer(ctx context.Context, repo *git.Repository, ref string, refreshInterval time.Duration) (*Server, error) {
	if refreshInterval < 5*time.Second {
		logrus.Warn("refresh interval too low, setting it to 5 seconds")
		refreshInterval = 5 * time.Second
	}
	reader, err := gittree.NewTreeReader(repo, ref)
	if err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		Repo:            repo,
		Ref:             ref,
		RefreshInterval: refreshInterval,
		reader:          reader,
		cancel:          cancel,
	}
	go s.refresh(ctx)
	return s, nil
}

func (s *Server) refresh(ctx context.Context) {
	ticker := time.NewTicker(s.RefreshInterval)
	for {
		select {
		case <-ticker.C:
			if err := s.resetReader(); err != nil {
				logrus.WithError(err).Error("error refreshing tree reader")
			}
		case <-ctx.Done():
			ticker.Stop()
			return
		}
	}
}

// resetReader refreshes the read snapshot, creating the reader if the
// ref was unborn at startup.
func (s *Server) resetReader() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		reader, err := gittree.NewTreeReader(s.Repo, s.Ref)
		if err != nil {
			return err
		}
		s.reader = reader
		return nil
	}
	return s.reader.Reset()
}

// Stop cancels the background refresh goroutine.
func (s *Server) Stop() {
	s.cancel()
}

// Start listens on addr, serving responses through the etag middleware
// and, when AuthKey is set, the Auth middleware.
func (s *Server) Start(addr string) {
	logrus.Info("Starting server")

	handler := etag.Handler(s.CreateHandlers(), false)
	if s.AuthKey != "" {
		handler = Auth(handler, s.AuthKey)
	}

	err := http.ListenAndServe(addr, handler)
	if err != nil {
		logrus.WithError(err).Fatal("error starting server")
	}
}

func (s *Server) CreateHandlers() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/files/", s.handleFiles)
	mux.HandleFunc("/tree/", s.handleTree)
	return mux
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/files/")
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.readFile(w, path)
	case http.MethodPut:
		s.writeFile(w, r, path)
	case http.MethodDelete:
		s.deleteFile(w, r, path)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) readFile(w http.ResponseWriter, path string) {
	s.mu.RLock()
	var data []byte
	err := plumbing.ErrReferenceNotFound
	if s.reader != nil {
		data, err = s.reader.Data(path)
	}
	s.mu.RUnlock()
	if err != nil {
		httpError(w, err)
		return
	}
	if _, err := w.Write(data); err != nil {
		logrus.WithError(err).Error("error writing response")
	}
}

// treeEntry is the YAML shape of one entry in a /tree/ listing.
type treeEntry struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Mode string `yaml:"mode"`
	Hash string `yaml:"hash"`
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tree"), "/")
	s.mu.RLock()
	var entries []object.TreeEntry
	err := plumbing.ErrReferenceNotFound
	if s.reader != nil {
		entries, err = s.reader.Entries(path)
	}
	s.mu.RUnlock()
	if err != nil {
		httpError(w, err)
		return
	}
	out := make([]treeEntry, len(entries))
	for i, e := range entries {
		typ := "blob"
		if e.Mode == filemode.Dir {
			typ = "tree"
		}
		out[i] = treeEntry{Name: e.Name, Type: typ, Mode: e.Mode.String(), Hash: e.Hash.String()}
	}
	body, err := yaml.Marshal(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	if _, err := w.Write(body); err != nil {
		logrus.WithError(err).Error("error writing response")
	}
}

func (s *Server) writeFile(w http.ResponseWriter, r *http.Request, path string) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writer, err := gittree.NewTreeWriter(s.Repo, s.Ref)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := writer.SetData(path, data, filemode.Regular); err != nil {
		httpError(w, err)
		return
	}
	s.commit(w, r, writer, "update "+path, http.StatusCreated)
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request, path string) {
	writer, err := gittree.NewTreeWriter(s.Repo, s.Ref)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := writer.Remove(path); err != nil {
		httpError(w, err)
		return
	}
	s.commit(w, r, writer, "remove "+path, http.StatusOK)
}

func (s *Server) commit(w http.ResponseWriter, r *http.Request, writer *gittree.TreeWriter, defaultMessage string, status int) {
	message := r.Header.Get("X-Commit-Message")
	if message == "" {
		message = defaultMessage
	}
	hash, err := writer.Commit(message, &gittree.CommitOptions{
		Author:    s.Author,
		Committer: s.Author,
	})
	if err != nil {
		if errors.Is(err, gittree.ErrRefChanged) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.resetReader(); err != nil {
		logrus.WithError(err).Error("error refreshing tree reader")
	}
	w.WriteHeader(status)
	if _, err := w.Write([]byte(hash.String() + "\n")); err != nil {
		logrus.WithError(err).Error("error writing response")
	}
}

// httpError maps lookup failures to 404, bad paths to 400 and
// everything else to 500.
func httpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, object.ErrFileNotFound),
		errors.Is(err, object.ErrEntryNotFound),
		errors.Is(err, object.ErrDirectoryNotFound),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, gittree.ErrNotTree):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Auth is a middleware that checks the API key on mutating requests.
// Reads stay open, matching fetch-only deployments.
func Auth(next http.Handler, authKey string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-KEY")
		if key == "" || key != authKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
