package gittree

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"github.com/sirupsen/logrus"
)

// pendingObject is an object staged in memory, waiting for Flush. The
// count tracks how many times it was staged, so that superseded
// intermediate objects are dropped instead of written.
type pendingObject struct {
	obj  plumbing.EncodedObject
	refs int
}

// TreeWriter stages edits to the tree of a ref entirely in memory and
// turns them into commits. Objects reach the object store only at
// Flush or Commit, and the ref is updated with a compare-and-swap
// against the state observed at the last Reset.
type TreeWriter struct {
	repo    *git.Repository
	refName plumbing.ReferenceName
	target  plumbing.ReferenceName // hash ref that commits update
	tree    *object.Tree
	base    plumbing.Hash // commit the ref pointed at, zero if unborn
	pending map[plumbing.Hash]*pendingObject
	trees   map[plumbing.Hash]*object.Tree // decoded staged trees
}

// NewTreeWriter creates a writer for ref. One level of symbolic
// references is followed, so "HEAD" edits the checked-out branch. An
// unborn ref starts from an empty tree.
func NewTreeWriter(repo *git.Repository, ref string) (*TreeWriter, error) {
	w := &TreeWriter{repo: repo, refName: plumbing.ReferenceName(ref)}
	if err := w.Reset(); err != nil {
		return nil, err
	}
	return w, nil
}

// Reset reloads the tree from the ref and discards all staged edits.
func (w *TreeWriter) Reset() error {
	target, ref, err := resolveRefTarget(w.repo, w.refName)
	if err != nil {
		return err
	}
	w.target = target
	w.pending = make(map[plumbing.Hash]*pendingObject)
	w.trees = make(map[plumbing.Hash]*object.Tree)
	if ref == nil {
		w.base = plumbing.ZeroHash
		w.tree = &object.Tree{}
		return nil
	}
	w.base = ref.Hash()
	commit, err := w.repo.CommitObject(w.base)
	if err != nil {
		return err
	}
	tree, err := commit.Tree()
	if err != nil {
		return err
	}
	w.tree = tree
	return nil
}

// resolveRefTarget follows symbolic references to the hash reference
// commits should update. A nil reference with no error means the
// target does not exist yet.
func resolveRefTarget(repo *git.Repository, name plumbing.ReferenceName) (plumbing.ReferenceName, *plumbing.Reference, error) {
	for i := 0; i < 10; i++ {
		ref, err := repo.Reference(name, false)
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return name, nil, nil
		}
		if err != nil {
			return name, nil, err
		}
		if ref.Type() != plumbing.SymbolicReference {
			return name, ref, nil
		}
		name = ref.Target()
	}
	return name, nil, fmt.Errorf("%s: reference chain too deep", name)
}

// Tree returns the current root tree, staged edits included.
func (w *TreeWriter) Tree() *object.Tree {
	return w.tree
}

// SetData stages a blob with the given contents and links it at path,
// creating intermediate trees as needed. It returns the blob hash.
func (w *TreeWriter) SetData(path string, data []byte, mode filemode.FileMode) (plumbing.Hash, error) {
	obj := &plumbing.MemoryObject{}
	obj.SetType(plumbing.BlobObject)
	if _, err := obj.Write(data); err != nil {
		return plumbing.ZeroHash, err
	}
	w.stage(obj)
	h := obj.Hash()
	if err := w.set(path, h, mode, true); err != nil {
		w.release(h)
		return plumbing.ZeroHash, err
	}
	return h, nil
}

// Set links an object that is already present in the object store or
// in the pending set at path. Linking the empty tree removes the
// entry.
func (w *TreeWriter) Set(path string, h plumbing.Hash, mode filemode.FileMode) error {
	if h == EmptyTreeHash {
		return w.set(path, plumbing.ZeroHash, filemode.Empty, false)
	}
	if err := w.stageHash(h); err != nil {
		return err
	}
	if err := w.set(path, h, mode, true); err != nil {
		w.release(h)
		return err
	}
	return nil
}

// Remove unlinks the entry at path. A subtree left empty is unlinked
// from its parent, recursively.
func (w *TreeWriter) Remove(path string) error {
	return w.set(path, plumbing.ZeroHash, filemode.Empty, false)
}

// set rewrites the trees on the path from the root down to path,
// linking childHash there (or unlinking, when present is false). The
// staged child is expected to be refcounted by the caller.
func (w *TreeWriter) set(path string, childHash plumbing.Hash, childMode filemode.FileMode, childPresent bool) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", object.ErrEntryNotFound)
	}
	parts := strings.Split(path, "/")
	oldRoot := w.tree.Hash

	// Walk down, collecting the tree at every level. Missing
	// intermediate directories materialize as empty trees.
	trees := make([]*object.Tree, 0, len(parts))
	tree := w.tree
	trees = append(trees, tree)
	for i, name := range parts[:len(parts)-1] {
		entry := findEntry(tree, name)
		switch {
		case entry == nil:
			tree = &object.Tree{}
		case entry.Mode != filemode.Dir:
			return fmt.Errorf("%s: %w", strings.Join(parts[:i+1], "/"), ErrNotTree)
		default:
			var err error
			tree, err = w.lookupTree(entry.Hash)
			if err != nil {
				return err
			}
		}
		trees = append(trees, tree)
	}

	// Walk back up, copying and rewriting each tree along the path.
	// Untouched siblings keep their hashes.
	for i := len(parts) - 1; i >= 0; i-- {
		name := parts[i]
		newTree := copyTree(trees[i])
		if childPresent {
			if old := findEntry(newTree, name); old != nil && old.Hash != childHash {
				w.release(old.Hash)
			}
			setEntry(newTree, name, childMode, childHash)
		} else {
			old := findEntry(newTree, name)
			if old == nil {
				return fmt.Errorf("%s: %w", path, object.ErrEntryNotFound)
			}
			w.release(old.Hash)
			deleteEntry(newTree, name)
		}
		if i > 0 && len(newTree.Entries) == 0 {
			// the subtree is now empty: unlink it from its parent
			childPresent = false
			childHash = plumbing.ZeroHash
			continue
		}
		var err error
		childHash, err = w.stageTree(newTree)
		if err != nil {
			return err
		}
		childMode = filemode.Dir
		childPresent = true
	}

	newRoot, err := w.lookupTree(childHash)
	if err != nil {
		return err
	}
	if oldRoot != childHash {
		w.release(oldRoot)
	}
	w.tree = newRoot
	return nil
}

// Lookup returns the tree entry at path, staged edits included.
func (w *TreeWriter) Lookup(path string) (object.TreeEntry, error) {
	return w.walk(path)
}

// Exists reports whether path resolves to an entry, staged edits
// included.
func (w *TreeWriter) Exists(path string) bool {
	_, err := w.walk(path)
	return err == nil
}

// Data returns the blob contents at path, resolving through the
// pending set before the object store.
func (w *TreeWriter) Data(path string) ([]byte, error) {
	entry, err := w.walk(path)
	if err != nil {
		return nil, err
	}
	if entry.Mode == filemode.Dir {
		return nil, fmt.Errorf("%s: %w", path, object.ErrFileNotFound)
	}
	if p := w.pending[entry.Hash]; p != nil {
		rd, err := p.obj.Reader()
		if err != nil {
			return nil, err
		}
		defer rd.Close()
		return io.ReadAll(rd)
	}
	blob, err := w.repo.BlobObject(entry.Hash)
	if err != nil {
		return nil, err
	}
	rd, err := blob.Reader()
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	return io.ReadAll(rd)
}

// Entries returns the entries of the subtree at path, staged edits
// included. "" means the root tree.
func (w *TreeWriter) Entries(path string) ([]object.TreeEntry, error) {
	tree := w.tree
	if path != "" {
		entry, err := w.walk(path)
		if err != nil {
			return nil, err
		}
		if entry.Mode != filemode.Dir {
			return nil, fmt.Errorf("%s: %w", path, ErrNotTree)
		}
		tree, err = w.lookupTree(entry.Hash)
		if err != nil {
			return nil, err
		}
	}
	return append([]object.TreeEntry(nil), tree.Entries...), nil
}

// TreeItems lists the sorted entry names of the subtree at path.
func (w *TreeWriter) TreeItems(path string) ([]string, error) {
	entries, err := w.Entries(path)
	if err != nil {
		return nil, err
	}
	return entryNames(entries), nil
}

// walk resolves path through the staged trees, one component at a
// time.
func (w *TreeWriter) walk(path string) (object.TreeEntry, error) {
	if path == "" {
		return object.TreeEntry{}, fmt.Errorf("%w: empty path", object.ErrEntryNotFound)
	}
	parts := strings.Split(path, "/")
	tree := w.tree
	for i, name := range parts {
		entry := findEntry(tree, name)
		if entry == nil {
			return object.TreeEntry{}, fmt.Errorf("%s: %w", path, object.ErrEntryNotFound)
		}
		if i == len(parts)-1 {
			return *entry, nil
		}
		if entry.Mode != filemode.Dir {
			return object.TreeEntry{}, fmt.Errorf("%s: %w", strings.Join(parts[:i+1], "/"), ErrNotTree)
		}
		var err error
		tree, err = w.lookupTree(entry.Hash)
		if err != nil {
			return object.TreeEntry{}, err
		}
	}
	return object.TreeEntry{}, fmt.Errorf("%s: %w", path, object.ErrEntryNotFound)
}

// lookupTree resolves a tree by hash, checking staged trees before the
// object store.
func (w *TreeWriter) lookupTree(h plumbing.Hash) (*object.Tree, error) {
	if t := w.trees[h]; t != nil {
		return t, nil
	}
	return object.GetTree(w.repo.Storer, h)
}

func (w *TreeWriter) stage(obj plumbing.EncodedObject) {
	h := obj.Hash()
	p := w.pending[h]
	if p == nil {
		p = &pendingObject{obj: obj}
		w.pending[h] = p
	}
	p.refs++
}

// stageHash stages an object that is already pending or stored.
func (w *TreeWriter) stageHash(h plumbing.Hash) error {
	if p := w.pending[h]; p != nil {
		p.refs++
		return nil
	}
	obj, err := w.repo.Storer.EncodedObject(plumbing.AnyObject, h)
	if err != nil {
		return err
	}
	w.stage(obj)
	return nil
}

func (w *TreeWriter) release(h plumbing.Hash) {
	p := w.pending[h]
	if p == nil {
		return
	}
	p.refs--
	if p.refs == 0 {
		delete(w.pending, h)
		delete(w.trees, h)
	}
}

// stageTree encodes a tree in canonical entry order, stages it and
// returns its hash.
func (w *TreeWriter) stageTree(t *object.Tree) (plumbing.Hash, error) {
	sortTreeEntries(t.Entries)
	obj := &plumbing.MemoryObject{}
	if err := t.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	h := obj.Hash()
	t.Hash = h
	w.stage(obj)
	if _, ok := w.trees[h]; !ok {
		w.trees[h] = t
	}
	return h, nil
}

// Flush writes every staged object to the object store. Commit calls
// it; calling it directly persists staged objects without moving the
// ref.
func (w *TreeWriter) Flush() error {
	for h, p := range w.pending {
		if _, err := w.repo.Storer.SetEncodedObject(p.obj); err != nil {
			return fmt.Errorf("writing %s: %w", h, err)
		}
	}
	return nil
}

// CommitOptions control the metadata of a commit built by Commit. Nil
// signatures fall back to the user identity from the environment or
// repository config; a zero When is filled with the current time.
type CommitOptions struct {
	Author    *object.Signature
	Committer *object.Signature
	// SignKey, when set, produces a PGP-signed commit.
	SignKey *openpgp.Entity
}

// Commit writes all staged objects plus a commit object to the store
// and advances the ref, failing with ErrRefChanged if the ref moved
// since the last Reset. On success the writer is Reset onto the new
// commit.
func (w *TreeWriter) Commit(message string, opts *CommitOptions) (plumbing.Hash, error) {
	if opts == nil {
		opts = &CommitOptions{}
	}
	committer, err := signature(w.repo, opts.Committer, kindCommitter, time.Now())
	if err != nil {
		return plumbing.ZeroHash, err
	}
	author, err := signature(w.repo, opts.Author, kindAuthor, committer.When)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	if w.tree.Hash.IsZero() {
		// unborn ref with no edits: the empty tree must exist
		if _, err := w.stageTree(w.tree); err != nil {
			return plumbing.ZeroHash, err
		}
	}

	commit := &object.Commit{
		Author:    author,
		Committer: committer,
		Message:   message,
		TreeHash:  w.tree.Hash,
	}
	if !w.base.IsZero() {
		commit.ParentHashes = []plumbing.Hash{w.base}
	}

	if opts.SignKey != nil {
		sig, err := signCommit(commit, opts.SignKey)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		commit.PGPSignature = sig
	}

	obj := &plumbing.MemoryObject{}
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	w.stage(obj)
	if err := w.Flush(); err != nil {
		return plumbing.ZeroHash, err
	}
	hash := obj.Hash()

	newRef := plumbing.NewHashReference(w.target, hash)
	if w.base.IsZero() {
		// the ref must still be unborn
		if _, err := w.repo.Reference(w.target, false); err == nil {
			return plumbing.ZeroHash, fmt.Errorf("%s: %w", w.target, ErrRefChanged)
		} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, err
		}
		if err := w.repo.Storer.SetReference(newRef); err != nil {
			return plumbing.ZeroHash, err
		}
	} else {
		old := plumbing.NewHashReference(w.target, w.base)
		err := w.repo.Storer.CheckAndSetReference(newRef, old)
		if errors.Is(err, storage.ErrReferenceHasChanged) {
			return plumbing.ZeroHash, fmt.Errorf("%s: %w", w.target, ErrRefChanged)
		}
		if err != nil {
			return plumbing.ZeroHash, err
		}
	}

	logrus.WithFields(logrus.Fields{"ref": w.target, "commit": hash}).Debug("committed")

	if err := w.Reset(); err != nil {
		return hash, err
	}
	return hash, nil
}

// signCommit builds an armored detached signature over the encoded
// commit, the same bytes git verifies against.
func signCommit(c *object.Commit, key *openpgp.Entity) (string, error) {
	encoded := &plumbing.MemoryObject{}
	if err := c.EncodeWithoutSignature(encoded); err != nil {
		return "", err
	}
	rd, err := encoded.Reader()
	if err != nil {
		return "", err
	}
	defer rd.Close()
	var b bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&b, key, rd, nil); err != nil {
		return "", err
	}
	return b.String(), nil
}

func findEntry(t *object.Tree, name string) *object.TreeEntry {
	for i := range t.Entries {
		if t.Entries[i].Name == name {
			return &t.Entries[i]
		}
	}
	return nil
}

func setEntry(t *object.Tree, name string, mode filemode.FileMode, h plumbing.Hash) {
	if e := findEntry(t, name); e != nil {
		e.Mode = mode
		e.Hash = h
		return
	}
	t.Entries = append(t.Entries, object.TreeEntry{Name: name, Mode: mode, Hash: h})
}

func deleteEntry(t *object.Tree, name string) {
	for i := range t.Entries {
		if t.Entries[i].Name == name {
			t.Entries = append(t.Entries[:i], t.Entries[i+1:]...)
			return
		}
	}
}

func copyTree(t *object.Tree) *object.Tree {
	return &object.Tree{Entries: append([]object.TreeEntry(nil), t.Entries...)}
}

// Tree entries sort by name, directories as if their name had a
// trailing slash.
func sortTreeEntries(entries []object.TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entrySortKey(&entries[i]) < entrySortKey(&entries[j])
	})
}

func entrySortKey(e *object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}
