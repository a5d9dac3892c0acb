package router

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigtrap/olah/internal/cachekey"
)

func TestClassify_RepoMeta(t *testing.T) {
	r := Classify("/api/models/acme/widget")
	require.Equal(t, KindRepoMeta, r.Kind)
	require.Equal(t, cachekey.Model, r.RepoType)
	require.Equal(t, "acme", r.Org)
	require.Equal(t, "widget", r.Name)
}

func TestClassify_DatasetRevisionMeta(t *testing.T) {
	r := Classify("/api/datasets/acme/widget/revision/main")
	require.Equal(t, KindRevisionMeta, r.Kind)
	require.Equal(t, cachekey.Dataset, r.RepoType)
	require.Equal(t, "main", r.Revision)
}

func TestClassify_SpaceTreeListing(t *testing.T) {
	r := Classify("/api/spaces/acme/widget/tree/main/src")
	require.Equal(t, KindRevisionMeta, r.Kind)
	require.Equal(t, cachekey.Space, r.RepoType)
	require.Equal(t, "main", r.Revision)
	require.Equal(t, "src", r.Path)
}

func TestClassify_ResolveFile(t *testing.T) {
	r := Classify("/acme/widget/resolve/main/model.bin")
	require.Equal(t, KindFile, r.Kind)
	require.Equal(t, "acme", r.Org)
	require.Equal(t, "widget", r.Name)
	require.Equal(t, "main", r.Revision)
	require.Equal(t, "model.bin", r.Path)
}

func TestClassify_ResolveFileWithNestedPath(t *testing.T) {
	r := Classify("/acme/widget/resolve/main/sub/dir/model.bin")
	require.Equal(t, KindFile, r.Kind)
	require.Equal(t, "sub/dir/model.bin", r.Path)
}

func TestClassify_RawFile(t *testing.T) {
	r := Classify("/acme/widget/raw/main/README.md")
	require.Equal(t, KindRawFile, r.Kind)
	require.Equal(t, "README.md", r.Path)
}

func TestClassify_LFS(t *testing.T) {
	r := Classify("/lfs/abcd1234")
	require.Equal(t, KindLFS, r.Kind)
	require.Equal(t, "abcd1234", r.Path)
}

func TestClassify_UnrecognisedFallsBackToProxy(t *testing.T) {
	r := Classify("/some/random/thing")
	require.Equal(t, KindProxyPassthrough, r.Kind)
	require.Equal(t, "/some/random/thing", r.Path)
}

func TestClassify_MalformedAPIPathIsUnknown(t *testing.T) {
	r := Classify("/api/models/acme")
	require.Equal(t, KindUnknown, r.Kind)
}
