package gittree

import (
	"errors"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
)

func newBareRepo(t *testing.T) *git.Repository {
	t.Helper()
	repo, err := git.Init(memory.NewStorage(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return repo
}

func testCommitOptions() *CommitOptions {
	return &CommitOptions{Author: testSignature, Committer: testSignature}
}

func TestTreeWriterFirstCommit(t *testing.T) {
	repo := newBareRepo(t)
	writer, err := NewTreeWriter(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}

	blobHash, err := writer.SetData("dir/file.txt", []byte("hello\n"), filemode.Regular)
	if err != nil {
		t.Fatal(err)
	}
	if blobHash.IsZero() {
		t.Fatal("expected a blob hash")
	}

	hash, err := writer.Commit("first", testCommitOptions())
	if err != nil {
		t.Fatal(err)
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(commit.ParentHashes) != 0 {
		t.Errorf("expected no parents, got %v", commit.ParentHashes)
	}
	if commit.Message != "first" {
		t.Errorf("expected message %q, got %q", "first", commit.Message)
	}
	if commit.Author.Name != testSignature.Name {
		t.Errorf("expected author %q, got %q", testSignature.Name, commit.Author.Name)
	}

	reader, err := NewTreeReader(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	data, err := reader.Data("dir/file.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello\n" {
		t.Errorf("expected %q, got %q", "hello\n", string(data))
	}
}

func TestTreeWriterSecondCommit(t *testing.T) {
	repo := newBareRepo(t)
	writer, err := NewTreeWriter(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := writer.SetData("a.txt", []byte("one\n"), filemode.Regular); err != nil {
		t.Fatal(err)
	}
	first, err := writer.Commit("first", testCommitOptions())
	if err != nil {
		t.Fatal(err)
	}

	// Commit resets the writer onto the new commit
	if _, err := writer.SetData("b.txt", []byte("two\n"), filemode.Regular); err != nil {
		t.Fatal(err)
	}
	second, err := writer.Commit("second", testCommitOptions())
	if err != nil {
		t.Fatal(err)
	}

	commit, err := repo.CommitObject(second)
	if err != nil {
		t.Fatal(err)
	}
	if len(commit.ParentHashes) != 1 || commit.ParentHashes[0] != first {
		t.Errorf("expected parent %s, got %v", first, commit.ParentHashes)
	}

	reader, err := NewTreeReader(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if !reader.Exists("a.txt") || !reader.Exists("b.txt") {
		t.Error("expected both files after second commit")
	}
}

func TestTreeWriterSiblingTreeReuse(t *testing.T) {
	repo := newTestRepo(t)
	head, err := repo.Head()
	if err != nil {
		t.Fatal(err)
	}
	baseCommit, err := repo.CommitObject(head.Hash())
	if err != nil {
		t.Fatal(err)
	}
	baseTree, err := baseCommit.Tree()
	if err != nil {
		t.Fatal(err)
	}
	baseDocs, err := baseTree.FindEntry("docs")
	if err != nil {
		t.Fatal(err)
	}

	writer, err := NewTreeWriter(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := writer.SetData("config/app.yaml", []byte("name: edited\n"), filemode.Regular); err != nil {
		t.Fatal(err)
	}
	hash, err := writer.Commit("edit app.yaml", testCommitOptions())
	if err != nil {
		t.Fatal(err)
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		t.Fatal(err)
	}
	tree, err := commit.Tree()
	if err != nil {
		t.Fatal(err)
	}
	docs, err := tree.FindEntry("docs")
	if err != nil {
		t.Fatal(err)
	}
	if docs.Hash != baseDocs.Hash {
		t.Error("expected the untouched docs tree to keep its hash")
	}
	config, err := tree.FindEntry("config")
	if err != nil {
		t.Fatal(err)
	}
	baseConfig, err := baseTree.FindEntry("config")
	if err != nil {
		t.Fatal(err)
	}
	if config.Hash == baseConfig.Hash {
		t.Error("expected the edited config tree to change hash")
	}
}

func TestTreeWriterRemove(t *testing.T) {
	repo := newTestRepo(t)
	writer, err := NewTreeWriter(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}

	if err := writer.Remove("config/app.yaml"); err != nil {
		t.Fatal(err)
	}
	if writer.Exists("config/app.yaml") {
		t.Error("expected config/app.yaml to be gone")
	}
	if !writer.Exists("config/db.yaml") {
		t.Error("expected config/db.yaml to survive")
	}

	// removing the last entry prunes the empty subtree
	if err := writer.Remove("config/db.yaml"); err != nil {
		t.Fatal(err)
	}
	if writer.Exists("config") {
		t.Error("expected config to be pruned")
	}

	if err := writer.Remove("no/such/path"); !errors.Is(err, object.ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}

	hash, err := writer.Commit("remove config", testCommitOptions())
	if err != nil {
		t.Fatal(err)
	}
	reader, err := NewTreeReader(repo, hash.String())
	if err != nil {
		t.Fatal(err)
	}
	items, err := reader.TreeItems("")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0] != "README.md" || items[1] != "docs" {
		t.Errorf("expected [README.md docs], got %v", items)
	}
}

func TestTreeWriterDeepPrune(t *testing.T) {
	repo := newTestRepo(t)
	writer, err := NewTreeWriter(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}

	// docs/guide holds a single file; removing it prunes docs too
	if err := writer.Remove("docs/guide/a.txt"); err != nil {
		t.Fatal(err)
	}
	if writer.Exists("docs/guide") {
		t.Error("expected docs/guide to be pruned")
	}
	if writer.Exists("docs") {
		t.Error("expected docs to be pruned")
	}
}

func TestTreeWriterNotTree(t *testing.T) {
	repo := newTestRepo(t)
	writer, err := NewTreeWriter(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}

	_, err = writer.SetData("README.md/sub.txt", []byte("x\n"), filemode.Regular)
	if !errors.Is(err, ErrNotTree) {
		t.Errorf("expected ErrNotTree, got %v", err)
	}
}

func TestTreeWriterStagedVisibility(t *testing.T) {
	repo := newTestRepo(t)
	writer, err := NewTreeWriter(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	reader, err := NewTreeReader(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}

	blobHash, err := writer.SetData("staged.txt", []byte("staged\n"), filemode.Regular)
	if err != nil {
		t.Fatal(err)
	}

	// staged edits are visible through the writer only
	data, err := writer.Data("staged.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "staged\n" {
		t.Errorf("expected %q, got %q", "staged\n", string(data))
	}
	if reader.Exists("staged.txt") {
		t.Error("expected staged.txt to be invisible to the reader")
	}

	// nothing reaches the object store before Flush
	if _, err := repo.BlobObject(blobHash); err == nil {
		t.Error("expected the staged blob to be absent from the store")
	}
	if err := writer.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.BlobObject(blobHash); err != nil {
		t.Errorf("expected the staged blob after Flush, got %v", err)
	}
}

func TestTreeWriterRefChanged(t *testing.T) {
	repo := newTestRepo(t)
	w1, err := NewTreeWriter(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	w2, err := NewTreeWriter(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w1.SetData("one.txt", []byte("1\n"), filemode.Regular); err != nil {
		t.Fatal(err)
	}
	if _, err := w1.Commit("one", testCommitOptions()); err != nil {
		t.Fatal(err)
	}

	if _, err := w2.SetData("two.txt", []byte("2\n"), filemode.Regular); err != nil {
		t.Fatal(err)
	}
	if _, err := w2.Commit("two", testCommitOptions()); !errors.Is(err, ErrRefChanged) {
		t.Fatalf("expected ErrRefChanged, got %v", err)
	}

	// after Reset the writer sees the other commit and can retry
	if err := w2.Reset(); err != nil {
		t.Fatal(err)
	}
	if !w2.Exists("one.txt") {
		t.Error("expected one.txt after Reset")
	}
	if _, err := w2.SetData("two.txt", []byte("2\n"), filemode.Regular); err != nil {
		t.Fatal(err)
	}
	if _, err := w2.Commit("two", testCommitOptions()); err != nil {
		t.Fatal(err)
	}
}

func TestTreeWriterPendingRefcount(t *testing.T) {
	repo := newBareRepo(t)
	writer, err := NewTreeWriter(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := writer.SetData("a.txt", []byte("one\n"), filemode.Regular); err != nil {
		t.Fatal(err)
	}
	if len(writer.pending) != 2 { // blob + root tree
		t.Fatalf("expected 2 pending objects, got %d", len(writer.pending))
	}

	// overwriting releases the superseded blob and root tree
	if _, err := writer.SetData("a.txt", []byte("two\n"), filemode.Regular); err != nil {
		t.Fatal(err)
	}
	if len(writer.pending) != 2 {
		t.Errorf("expected 2 pending objects after overwrite, got %d", len(writer.pending))
	}
}

func TestTreeWriterEntryOrder(t *testing.T) {
	repo := newBareRepo(t)
	writer, err := NewTreeWriter(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}

	// git orders directories as if their name had a trailing slash,
	// so "x.txt" sorts before the directory "x"
	if _, err := writer.SetData("x/inner.txt", []byte("i\n"), filemode.Regular); err != nil {
		t.Fatal(err)
	}
	if _, err := writer.SetData("x.txt", []byte("x\n"), filemode.Regular); err != nil {
		t.Fatal(err)
	}

	entries, err := writer.Entries("")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Name != "x.txt" || entries[1].Name != "x" {
		t.Errorf("expected [x.txt x], got %v", entries)
	}
}

func TestTreeWriterSetExistingObject(t *testing.T) {
	repo := newTestRepo(t)
	writer, err := NewTreeWriter(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}

	entry, err := writer.Lookup("README.md")
	if err != nil {
		t.Fatal(err)
	}
	if err := writer.Set("copy/README.md", entry.Hash, entry.Mode); err != nil {
		t.Fatal(err)
	}
	data, err := writer.Data("copy/README.md")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "# test\n" {
		t.Errorf("expected %q, got %q", "# test\n", string(data))
	}

	// linking the empty tree removes the entry
	if err := writer.Set("copy", EmptyTreeHash, filemode.Dir); err != nil {
		t.Fatal(err)
	}
	if writer.Exists("copy") {
		t.Error("expected copy to be gone")
	}
}

func TestTreeWriterIdentityFromEnv(t *testing.T) {
	t.Setenv("GIT_COMMITTER_NAME", "Committer Env")
	t.Setenv("GIT_COMMITTER_EMAIL", "committer@example.com")
	t.Setenv("GIT_AUTHOR_NAME", "Author Env")
	t.Setenv("GIT_AUTHOR_EMAIL", "author@example.com")

	repo := newBareRepo(t)
	writer, err := NewTreeWriter(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := writer.SetData("a.txt", []byte("a\n"), filemode.Regular); err != nil {
		t.Fatal(err)
	}
	hash, err := writer.Commit("env identity", nil)
	if err != nil {
		t.Fatal(err)
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		t.Fatal(err)
	}
	if commit.Committer.Name != "Committer Env" || commit.Committer.Email != "committer@example.com" {
		t.Errorf("unexpected committer %q <%s>", commit.Committer.Name, commit.Committer.Email)
	}
	if commit.Author.Name != "Author Env" || commit.Author.Email != "author@example.com" {
		t.Errorf("unexpected author %q <%s>", commit.Author.Name, commit.Author.Email)
	}
	if commit.Committer.When.IsZero() {
		t.Error("expected a committer timestamp")
	}
}

func TestTreeWriterInvalidIdentity(t *testing.T) {
	repo := newBareRepo(t)
	writer, err := NewTreeWriter(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := writer.SetData("a.txt", []byte("a\n"), filemode.Regular); err != nil {
		t.Fatal(err)
	}

	bad := &object.Signature{Name: "Bad <Name>", Email: "bad@example.com"}
	if _, err := writer.Commit("bad", &CommitOptions{Author: bad, Committer: bad}); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestTreeWriterSignedCommit(t *testing.T) {
	key, err := openpgp.NewEntity("Signer", "", "signer@example.com", nil)
	if err != nil {
		t.Fatal(err)
	}

	repo := newBareRepo(t)
	writer, err := NewTreeWriter(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := writer.SetData("a.txt", []byte("a\n"), filemode.Regular); err != nil {
		t.Fatal(err)
	}
	opts := testCommitOptions()
	opts.SignKey = key
	hash, err := writer.Commit("signed", opts)
	if err != nil {
		t.Fatal(err)
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(commit.PGPSignature, "-----BEGIN PGP SIGNATURE-----") {
		t.Errorf("unexpected signature %q", commit.PGPSignature)
	}
}

func TestTreeWriterEmptyCommitOnUnbornRef(t *testing.T) {
	repo := newBareRepo(t)
	writer, err := NewTreeWriter(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}

	hash, err := writer.Commit("empty", testCommitOptions())
	if err != nil {
		t.Fatal(err)
	}
	commit, err := repo.CommitObject(hash)
	if err != nil {
		t.Fatal(err)
	}
	if commit.TreeHash != EmptyTreeHash {
		t.Errorf("expected the empty tree, got %s", commit.TreeHash)
	}
}
