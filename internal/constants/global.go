package constants

const AppName = "olah"

// define client<->upstream protocol constants
const (
	ProtocolRequestIDKey   = "X-Request-ID"
	ProtocolCacheStatusKey = "X-Cache"
	ProtocolRepoCommitKey  = "X-Repo-Commit"

	InternalTraceKey = "i-xtrace"
	InternalStoreUrl = "i-x-store-url"
)

// DefaultBlockSize is the default fixed block size used by new BlockFiles, per spec (1 MiB).
const DefaultBlockSize = 1 << 20
