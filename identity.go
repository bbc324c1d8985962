package gittree

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrNoIdentity is returned when no committer or author identity can
// be resolved from the environment or repository config.
var ErrNoIdentity = errors.New("user identity not configured")

type identityKind int

const (
	kindCommitter identityKind = iota
	kindAuthor
)

func (k identityKind) String() string {
	if k == kindAuthor {
		return "author"
	}
	return "committer"
}

// userIdentity resolves the name and email for a commit signature:
// GIT_COMMITTER_* (resp. GIT_AUTHOR_*) environment variables first,
// then the matching config section, then [user].
func userIdentity(repo *git.Repository, kind identityKind) (name, email string, err error) {
	prefix := "GIT_COMMITTER"
	if kind == kindAuthor {
		prefix = "GIT_AUTHOR"
	}
	name = os.Getenv(prefix + "_NAME")
	email = os.Getenv(prefix + "_EMAIL")
	if name != "" && email != "" {
		return name, email, nil
	}

	cfg, err := repo.ConfigScoped(config.SystemScope)
	if err != nil {
		return "", "", err
	}
	section := cfg.Committer
	if kind == kindAuthor {
		section = cfg.Author
	}
	if name == "" {
		name = section.Name
		if name == "" {
			name = cfg.User.Name
		}
	}
	if email == "" {
		email = section.Email
		if email == "" {
			email = cfg.User.Email
		}
	}
	if name == "" || email == "" {
		return "", "", fmt.Errorf("%s: %w", kind, ErrNoIdentity)
	}
	return name, email, nil
}

// checkIdentity enforces git identity hygiene: non-empty name and
// email, no angle brackets or newlines, no surrounding whitespace.
func checkIdentity(sig *object.Signature, kind identityKind) error {
	for _, s := range []string{sig.Name, sig.Email} {
		if s == "" || strings.ContainsAny(s, "<>\n") || s != strings.TrimSpace(s) {
			return fmt.Errorf("%s: invalid identity %q <%s>", kind, sig.Name, sig.Email)
		}
	}
	return nil
}

// signature fills in a commit signature: an explicit one is validated
// and given a timestamp if missing, a nil one is resolved through
// userIdentity.
func signature(repo *git.Repository, sig *object.Signature, kind identityKind, when time.Time) (object.Signature, error) {
	out := object.Signature{When: when}
	if sig != nil {
		out = *sig
		if out.When.IsZero() {
			out.When = when
		}
	} else {
		name, email, err := userIdentity(repo, kind)
		if err != nil {
			return object.Signature{}, err
		}
		out.Name = name
		out.Email = email
	}
	if err := checkIdentity(&out, kind); err != nil {
		return object.Signature{}, err
	}
	return out, nil
}
