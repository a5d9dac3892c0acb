// Package router classifies inbound requests by URL shape and extracts the
// repository coordinates FileHandler and the metadata responder need.
// Grounded on the teacher's server/server.go newServeMux/localMatcher
// pattern of routing by prefix match ahead of the general proxy fallback.
package router

import (
	"strings"

	"github.com/sigtrap/olah/internal/cachekey"
)

// Kind is the dispatch target a request resolves to.
type Kind int

const (
	KindUnknown Kind = iota
	KindRepoMeta
	KindRevisionMeta
	KindFile     // resolve/{rev}/{path}
	KindRawFile  // raw/{rev}/{path}
	KindLFS
	KindProxyPassthrough
)

// Route is the classification result for one request.
type Route struct {
	Kind     Kind
	RepoType cachekey.RepoType
	Org      string
	Name     string
	Revision string
	Path     string // file path within the repo, for File/RawFile/LFS kinds
}

// Classify inspects method+path and returns the matching Route. Everything
// it cannot place in a recognised shape is KindProxyPassthrough, never 404
// — unknown-but-well-formed API paths under /api/ are KindUnknown so the
// caller can 404 them specifically per spec §4.6.
func Classify(p string) Route {
	p = strings.TrimPrefix(p, "/")

	switch {
	case strings.HasPrefix(p, "api/models/"):
		return classifyAPI(p, "api/models/", cachekey.Model)
	case strings.HasPrefix(p, "api/datasets/"):
		return classifyAPI(p, "api/datasets/", cachekey.Dataset)
	case strings.HasPrefix(p, "api/spaces/"):
		return classifyAPI(p, "api/spaces/", cachekey.Space)
	case strings.HasPrefix(p, "lfs/"):
		return Route{Kind: KindLFS, Path: strings.TrimPrefix(p, "lfs/")}
	}

	if route, ok := classifyRepoFile(p); ok {
		return route
	}

	return Route{Kind: KindProxyPassthrough, Path: "/" + p}
}

// classifyAPI handles /api/{plural}/{org}/{name}[/revision/{rev}][/tree/{rev}/{path}].
func classifyAPI(p, prefix string, repoType cachekey.RepoType) Route {
	rest := strings.TrimPrefix(p, prefix)
	segs := strings.Split(rest, "/")
	if len(segs) < 2 || segs[0] == "" || segs[1] == "" {
		return Route{Kind: KindUnknown, RepoType: repoType}
	}
	org, name := segs[0], segs[1]
	tail := segs[2:]

	switch {
	case len(tail) == 0:
		return Route{Kind: KindRepoMeta, RepoType: repoType, Org: org, Name: name}
	case tail[0] == "revision" && len(tail) >= 2:
		return Route{Kind: KindRevisionMeta, RepoType: repoType, Org: org, Name: name, Revision: tail[1]}
	case tail[0] == "tree" && len(tail) >= 2:
		rev := tail[1]
		treePath := ""
		if len(tail) > 2 {
			treePath = strings.Join(tail[2:], "/")
		}
		return Route{Kind: KindRevisionMeta, RepoType: repoType, Org: org, Name: name, Revision: rev, Path: treePath}
	default:
		return Route{Kind: KindUnknown, RepoType: repoType, Org: org, Name: name}
	}
}

// classifyRepoFile handles {org}/{name}/resolve/{rev}/{path} and
// {org}/{name}/raw/{rev}/{path}; {name} and {path} may themselves contain
// '/', so the split walks segment-by-segment rather than assuming a fixed
// arity.
func classifyRepoFile(p string) (Route, bool) {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		if (s == "resolve" || s == "raw") && i >= 2 && i+1 < len(segs) {
			org := segs[0]
			name := strings.Join(segs[1:i], "/")
			rev := segs[i+1]
			filePath := ""
			if i+2 < len(segs) {
				filePath = strings.Join(segs[i+2:], "/")
			}
			kind := KindFile
			if s == "raw" {
				kind = KindRawFile
			}
			return Route{
				Kind:     kind,
				RepoType: cachekey.Model,
				Org:      org,
				Name:     name,
				Revision: rev,
				Path:     filePath,
			}, true
		}
	}
	return Route{}, false
}
