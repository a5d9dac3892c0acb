// Package cachekey identifies a cached upstream file at an immutable commit,
// adapted from the teacher's sha1-based object.ID into the human-readable
// path layout spec.md mandates (repos are public and the on-disk layout is
// meant to be inspectable, unlike the teacher's sharded opaque hash paths).
package cachekey

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// RepoType is one of the three upstream repository kinds.
type RepoType string

const (
	Model   RepoType = "model"
	Dataset RepoType = "dataset"
	Space   RepoType = "space"
)

// Plural returns the URL/ disk-layout plural form ("models", "datasets", "spaces").
func (t RepoType) Plural() string {
	return string(t) + "s"
}

// Key is the tuple (repo_type, org, name, commit, path) that identifies a
// single cached upstream file. Two requests sharing a Key observe the same
// BlockFile.
type Key struct {
	RepoType RepoType
	Org      string
	Name     string
	Commit   string // 40-hex canonical commit hash; never a mutable branch name
	Path     string // file path within the repo, may contain '/'
}

// Repo returns "<org>/<name>", the unit PolicyEngine rules match against.
func (k Key) Repo() string {
	return k.Org + "/" + k.Name
}

// String renders a stable identifier suitable for use as a map key and for
// log correlation.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s@%s:%s", k.RepoType, k.Org, k.Name, k.Commit, k.Path)
}

// ETag is the strong, idempotent ETag the handler returns: the commit hash
// plus path, not upstream's own (possibly weak) ETag.
func (k Key) ETag() string {
	return fmt.Sprintf("%q", k.Commit+":"+k.Path)
}

// BinPath returns the on-disk path of the sparse data file, rooted at reposPath.
//
// Layout: <repos-path>/<repo_type>s/<org>/<name>/blocks/<commit>/<path>.bin
func (k Key) BinPath(reposPath string) string {
	return k.blockPath(reposPath) + ".bin"
}

// MetaPath returns the on-disk path of the sidecar header file.
func (k Key) MetaPath(reposPath string) string {
	return k.blockPath(reposPath) + ".meta"
}

func (k Key) blockPath(reposPath string) string {
	cleanPath := strings.TrimPrefix(path.Clean("/"+k.Path), "/")
	return filepath.Join(reposPath, k.RepoType.Plural(), k.Org, k.Name, "blocks", k.Commit, filepath.FromSlash(cleanPath))
}

// TempDir returns <repos-path>/tmp, which ChunkCache creates at startup.
// BlockFiles are not staged there: the .bin is created directly at its
// final path, and only the .meta sidecar goes through a temporary file
// (beside it) that is renamed into place.
func TempDir(reposPath string) string {
	return filepath.Join(reposPath, "tmp")
}
