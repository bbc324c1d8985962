package gittree

import (
	"fmt"
	"io"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// TreeReader provides path-addressed read access to the tree of a
// treeish (ref name, commit, tag or tree hash). The resolved tree is a
// snapshot: ref movement is not observed until Reset is called.
type TreeReader struct {
	repo     *git.Repository
	revision string
	tree     *object.Tree
}

func NewTreeReader(repo *git.Repository, revision string) (*TreeReader, error) {
	r := &TreeReader{repo: repo, revision: revision}
	if err := r.Reset(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reset re-resolves the revision to its current tree.
func (r *TreeReader) Reset() error {
	tree, err := resolveTree(r.repo, r.revision)
	if err != nil {
		return err
	}
	r.tree = tree
	return nil
}

// Tree returns the current root tree snapshot.
func (r *TreeReader) Tree() *object.Tree {
	return r.tree
}

// Lookup returns the tree entry at the slash-separated path.
func (r *TreeReader) Lookup(path string) (object.TreeEntry, error) {
	entry, err := r.tree.FindEntry(path)
	if err != nil {
		return object.TreeEntry{}, err
	}
	return *entry, nil
}

// Object returns the decoded object at path.
func (r *TreeReader) Object(path string) (object.Object, error) {
	entry, err := r.tree.FindEntry(path)
	if err != nil {
		return nil, err
	}
	return r.repo.Object(plumbing.AnyObject, entry.Hash)
}

// Data returns the blob contents at path.
func (r *TreeReader) Data(path string) ([]byte, error) {
	f, err := r.tree.File(path)
	if err != nil {
		return nil, err
	}
	rd, err := f.Reader()
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	return io.ReadAll(rd)
}

// Entries returns the entries of the subtree at path, "" meaning the
// root tree.
func (r *TreeReader) Entries(path string) ([]object.TreeEntry, error) {
	tree := r.tree
	if path != "" {
		entry, err := r.tree.FindEntry(path)
		if err != nil {
			return nil, err
		}
		if entry.Mode != filemode.Dir {
			return nil, fmt.Errorf("%s: %w", path, ErrNotTree)
		}
		tree, err = object.GetTree(r.repo.Storer, entry.Hash)
		if err != nil {
			return nil, err
		}
	}
	return append([]object.TreeEntry(nil), tree.Entries...), nil
}

// TreeItems lists the sorted entry names of the subtree at path.
func (r *TreeReader) TreeItems(path string) ([]string, error) {
	entries, err := r.Entries(path)
	if err != nil {
		return nil, err
	}
	return entryNames(entries), nil
}

// Exists reports whether path resolves to an entry.
func (r *TreeReader) Exists(path string) bool {
	_, err := r.tree.FindEntry(path)
	return err == nil
}

func entryNames(entries []object.TreeEntry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	sort.Strings(names)
	return names
}

// resolveTree peels a revision to its tree. Plain 40-char hashes are
// used directly so that raw tree hashes resolve too.
func resolveTree(repo *git.Repository, revision string) (*object.Tree, error) {
	var hash plumbing.Hash
	if plumbing.IsHash(revision) {
		hash = plumbing.NewHash(revision)
	} else {
		h, err := repo.ResolveRevision(plumbing.Revision(revision))
		if err != nil {
			return nil, fmt.Errorf("resolving %q: %w", revision, err)
		}
		hash = *h
	}
	return treeAt(repo, hash)
}

func treeAt(repo *git.Repository, hash plumbing.Hash) (*object.Tree, error) {
	obj, err := repo.Object(plumbing.AnyObject, hash)
	if err != nil {
		return nil, err
	}
	for {
		switch o := obj.(type) {
		case *object.Commit:
			return o.Tree()
		case *object.Tree:
			return o, nil
		case *object.Tag:
			obj, err = o.Object()
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%s: %w", hash, ErrNotTree)
		}
	}
}
