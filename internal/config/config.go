// Package config reads the application's TOML-like configuration file:
// section-bracketed groups of key=value lines. No third-party config
// format shows up anywhere in the retrieval pack as an actually-wired
// parser (gopkg.in/yaml.v3 in the teacher's go.mod is an indirect,
// Wails-only transitive, not something teacher code parses), so this
// package hand-rolls the minimal reader the four known sections need.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Server is the server{} section: bind address and CORS policy.
type Server struct {
	Host        string
	Port        int
	CORSOrigins []string
}

// Download is the download{} section governing the engine in this repo.
type Download struct {
	DownloadDir        string
	DefaultDirectory   string
	RecentDirectory    string
	AskEachTime        bool
	MaxGlobalThreads   int
	ChunkSizeMB        int
	MaxConcurrentTasks int
	MaxRetries         int
}

// File is a fully parsed configuration file. Upload and Transfer are kept
// as raw key=value maps: no component in this rewrite consumes them (the
// upload and share-to-cloud transfer pipelines are out of scope), but the
// sections must still round-trip so a shared config file isn't silently
// truncated by this process.
type File struct {
	Server   Server
	Download Download
	Upload   map[string]string
	Transfer map[string]string
}

// Default returns a File populated with the engine's built-in defaults,
// used as-is when no config file is present and as the base that parsed
// keys override otherwise. A parse error is returned by Load, not replaced
// by these defaults.
func Default(downloadDir string) *File {
	return &File{
		Server: Server{
			Host:        "127.0.0.1",
			Port:        8765,
			CORSOrigins: []string{"*"},
		},
		Download: Download{
			DownloadDir:        downloadDir,
			DefaultDirectory:   downloadDir,
			AskEachTime:        false,
			MaxGlobalThreads:   4,
			ChunkSizeMB:        4,
			MaxConcurrentTasks: 3,
			MaxRetries:         5,
		},
		Upload:   map[string]string{},
		Transfer: map[string]string{},
	}
}

// Load reads and parses path. A missing file is not an error: callers get
// Default(downloadDir) back so a first run can proceed without one.
func Load(path, downloadDir string) (*File, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Default(downloadDir), nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Download.DownloadDir == "" {
		cfg.Download.DownloadDir = downloadDir
	}
	if !filepath.IsAbs(cfg.Download.DownloadDir) {
		return nil, fmt.Errorf("config: download.download_dir must be an absolute path, got %q", cfg.Download.DownloadDir)
	}
	return cfg, nil
}

func parse(r io.Reader) (*File, error) {
	cfg := Default("")
	sections := map[string]map[string]string{
		"server":   {},
		"download": {},
		"upload":   {},
		"transfer": {},
	}

	section := ""
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			name := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			name = strings.ToLower(strings.TrimSpace(name))
			if _, ok := sections[name]; !ok {
				return nil, fmt.Errorf("line %d: unknown section %q", lineNo, name)
			}
			section = name
			continue
		}
		if section == "" {
			return nil, fmt.Errorf("line %d: key=value outside any section", lineNo)
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key=value, got %q", lineNo, line)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		val = strings.Trim(val, `"`)
		sections[section][key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if err := applyServer(&cfg.Server, sections["server"]); err != nil {
		return nil, err
	}
	if err := applyDownload(&cfg.Download, sections["download"]); err != nil {
		return nil, err
	}
	cfg.Upload = sections["upload"]
	cfg.Transfer = sections["transfer"]
	return cfg, nil
}

func applyServer(s *Server, kv map[string]string) error {
	if v, ok := kv["host"]; ok {
		s.Host = v
	}
	if v, ok := kv["port"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("server.port: %w", err)
		}
		s.Port = n
	}
	if v, ok := kv["cors_origins"]; ok {
		s.CORSOrigins = splitList(v)
	}
	return nil
}

func applyDownload(d *Download, kv map[string]string) error {
	if v, ok := kv["download_dir"]; ok {
		d.DownloadDir = v
	}
	if v, ok := kv["default_directory"]; ok {
		d.DefaultDirectory = v
	}
	if v, ok := kv["recent_directory"]; ok {
		d.RecentDirectory = v
	}
	if v, ok := kv["ask_each_time"]; ok {
		d.AskEachTime = v == "true"
	}
	var err error
	if d.MaxGlobalThreads, err = intOr(kv, "max_global_threads", d.MaxGlobalThreads); err != nil {
		return err
	}
	if d.ChunkSizeMB, err = intOr(kv, "chunk_size_mb", d.ChunkSizeMB); err != nil {
		return err
	}
	if d.MaxConcurrentTasks, err = intOr(kv, "max_concurrent_tasks", d.MaxConcurrentTasks); err != nil {
		return err
	}
	if d.MaxRetries, err = intOr(kv, "max_retries", d.MaxRetries); err != nil {
		return err
	}
	return nil
}

func intOr(kv map[string]string, key string, fallback int) (int, error) {
	v, ok := kv[key]
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
