package netdiskport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Fake is an in-memory Port used by engine tests. It never talks to a real
// upstream; Hosts cycle round-robin the way a real CDN would hand back a
// different edge on each resolve.
type Fake struct {
	mu      sync.Mutex
	tree    map[string][]DirEntry // remotePath -> children
	hosts   []string
	counter atomic.Uint64
	ttl     time.Duration

	// FailResolve, if set, makes every Resolve/ForceRefresh fail with this kind.
	FailResolve Kind
}

func NewFake(hosts ...string) *Fake {
	if len(hosts) == 0 {
		hosts = []string{"cdn1.example.com", "cdn2.example.com"}
	}
	return &Fake{
		tree:  make(map[string][]DirEntry),
		hosts: hosts,
		ttl:   2 * time.Hour,
	}
}

// AddFile registers a file under a directory path for ListDir to serve.
func (f *Fake) AddFile(dir string, entry DirEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.IsDir = false
	f.tree[dir] = append(f.tree[dir], entry)
}

func (f *Fake) ListDir(ctx context.Context, remotePath string, cursor string) (ListPage, error) {
	f.mu.Lock()
	entries := append([]DirEntry(nil), f.tree[remotePath]...)
	f.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })

	const pageSize = 100
	start := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "%d", &start)
	}
	end := start + pageSize
	if end > len(entries) {
		end = len(entries)
	}
	page := ListPage{Entries: entries[start:end]}
	if end < len(entries) {
		page.HasMore = true
		page.Cursor = fmt.Sprintf("%d", end)
	}
	return page, nil
}

func (f *Fake) Resolve(ctx context.Context, handle FileHandle) (ResolvedURL, error) {
	return f.resolve(handle)
}

func (f *Fake) ForceRefresh(ctx context.Context, handle FileHandle) (ResolvedURL, error) {
	return f.resolve(handle)
}

func (f *Fake) resolve(handle FileHandle) (ResolvedURL, error) {
	if f.FailResolve != KindUnknown {
		return ResolvedURL{}, NewError(f.FailResolve, fmt.Errorf("fake: forced failure"))
	}
	n := f.counter.Add(1)
	host := f.hosts[int(n)%len(f.hosts)]
	u := fmt.Sprintf("https://%s/dl/%s?sig=%d", host, strings.TrimPrefix(handle.RemotePath, "/"), n)
	return ResolvedURL{URL: u, Host: host, ExpiresAt: time.Now().Add(f.ttl)}, nil
}

func (f *Fake) Mkdir(ctx context.Context, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tree[remotePath]; !ok {
		f.tree[remotePath] = nil
	}
	return nil
}
