// Package conf defines this module's configuration tree, loaded by
// contrib/config from a YAML file. Shape and naming follow the teacher's
// conf/conf.go (one struct per concern, json+yaml tags for both
// JSON-probe and YAML-file decoding), with every field renamed to Olah's
// mirroring-proxy domain.
package conf

import "time"

// Bootstrap is the root of the configuration tree.
type Bootstrap struct {
	Hostname string    `json:"hostname" yaml:"hostname"`
	PidFile  string    `json:"pidfile" yaml:"pidfile"`
	Logger   *Logger   `json:"logger" yaml:"logger"`
	Server   *Server   `json:"server" yaml:"server"`
	Storage  *Storage  `json:"storage" yaml:"storage"`
	Upstream *Upstream `json:"upstream" yaml:"upstream"`
	Policy   *Policy   `json:"policy" yaml:"policy"`
}

// Logger configures the zap/lumberjack-backed structured logger.
type Logger struct {
	Level       string `json:"level" yaml:"level"`
	Path        string `json:"path" yaml:"path"`
	Caller      bool   `json:"caller" yaml:"caller"`
	MaxSize     int    `json:"max_size" yaml:"max_size"`
	MaxAge      int    `json:"max_age" yaml:"max_age"`
	MaxBackups  int    `json:"max_backups" yaml:"max_backups"`
	Compress    bool   `json:"compress" yaml:"compress"`
	Development bool   `json:"development" yaml:"development"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr               string           `json:"addr" yaml:"addr"`
	ReadTimeout        time.Duration    `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout       time.Duration    `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout        time.Duration    `json:"idle_timeout" yaml:"idle_timeout"`
	ReadHeaderTimeout  time.Duration    `json:"read_header_timeout" yaml:"read_header_timeout"`
	MaxHeaderBytes     int              `json:"max_header_bytes" yaml:"max_header_bytes"`
	PProf              *ServerPProf     `json:"pprof" yaml:"pprof"`
	AccessLog          *ServerAccessLog `json:"access_log" yaml:"access_log"`
	LocalApiAllowHosts []string         `json:"local_api_allow_hosts" yaml:"local_api_allow_hosts"`
}

// ServerPProf gates /debug/pprof/* behind HTTP basic auth.
type ServerPProf struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// ServerAccessLog configures the access-log middleware.
type ServerAccessLog struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// Storage configures on-disk cache layout, block sizing and eviction.
type Storage struct {
	ReposPath      string        `json:"repos_path" yaml:"repos_path"`
	MirrorsPath    string        `json:"mirrors_path" yaml:"mirrors_path"`
	MetaPath       string        `json:"meta_path" yaml:"meta_path"`
	BlockSize      int64         `json:"block_size" yaml:"block_size"`
	EvictionPolicy string        `json:"eviction_policy" yaml:"eviction_policy"` // lru, fifo, large_first
	MaxBytes       int64         `json:"max_bytes" yaml:"max_bytes"`
	ScanInterval   time.Duration `json:"scan_interval" yaml:"scan_interval"`
}

// Upstream configures the hub and LFS CDN origins, plus retry behavior.
type Upstream struct {
	HFScheme     string        `json:"hf_scheme" yaml:"hf_scheme"`
	HFNetloc     string        `json:"hf_netloc" yaml:"hf_netloc"`
	HFLFSNetloc  string        `json:"hf_lfs_netloc" yaml:"hf_lfs_netloc"`
	MirrorScheme string        `json:"mirror_scheme" yaml:"mirror_scheme"`
	MirrorNetloc string        `json:"mirror_netloc" yaml:"mirror_netloc"`
	LFSBasePath  string        `json:"lfs_base_path" yaml:"lfs_base_path"` // path prefix prepended to bare LFS blob requests, default "/lfs/"
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	Offline      bool          `json:"offline" yaml:"offline"`
}

// Policy configures the ordered allow/deny rule lists for proxying and
// caching. Rules are evaluated in order, first match wins; absent any
// match, access is allowed.
type Policy struct {
	Proxy []PolicyRule `json:"proxy" yaml:"proxy"`
	Cache []PolicyRule `json:"cache" yaml:"cache"`
}

// PolicyRule is one allow/deny rule matched against "org/name".
type PolicyRule struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Regex   bool   `json:"regex" yaml:"regex"`
	Allow   bool   `json:"allow" yaml:"allow"`
}
