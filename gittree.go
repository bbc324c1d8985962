// Package gittree reads and edits git trees directly at the object
// level, without a working tree or index. A TreeReader gives
// path-addressed access to the tree of any treeish, and a TreeWriter
// stages blob and tree edits in memory and turns them into commits,
// updating the target ref with a compare-and-swap.
package gittree

import (
	"errors"

	"github.com/go-git/go-git/v5/plumbing"
)

// EmptyTreeHash is the well-known hash of the tree with no entries.
var EmptyTreeHash = plumbing.NewHash("4b825dc642cb6eb9a060e54bf8d69288fbee4904")

var (
	// ErrNotTree is returned when a path component that should be a
	// directory resolves to something else.
	ErrNotTree = errors.New("not a tree")

	// ErrRefChanged is returned by Commit when the target reference
	// moved between Reset and the commit's compare-and-swap.
	ErrRefChanged = errors.New("reference changed during commit")
)
