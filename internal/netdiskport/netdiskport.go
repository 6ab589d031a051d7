// Package netdiskport defines the abstract boundary between the download
// engine and the remote Netdisk API: listing, URL resolution, and directory
// creation. Authentication, session storage, and share resolution live on
// the other side of this port and are never modeled here.
package netdiskport

import (
	"context"
	"errors"
	"time"
)

// Kind classifies a port failure the way the engine's error taxonomy expects.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindNotFound
	KindRateLimited
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error wraps a port failure with its Kind so callers can switch on it
// without string matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// ErrNotImplemented marks port operations this spec treats purely as an
// external collaborator; the fake exists only so the engine's tests can
// run without a live upstream.
var ErrNotImplemented = errors.New("netdiskport: not implemented")

// FileHandle identifies one remote file independent of any signed URL.
type FileHandle struct {
	FsID       string
	RemotePath string
	Size       int64
	MD5        string
}

// ResolvedURL is a signed download URL with an expiry hint.
type ResolvedURL struct {
	URL       string
	ExpiresAt time.Time
	Host      string
}

// DirEntry is one page entry returned while walking a remote directory.
type DirEntry struct {
	FsID       string
	Name       string
	RelPath    string
	IsDir      bool
	Size       int64
	MD5        string
}

// ListPage is one page of a remote directory listing.
type ListPage struct {
	Entries []DirEntry
	Cursor  string // opaque; empty means no further pages
	HasMore bool
}

// Port is the capability the download engine consumes. C1 (URL Provider)
// is built directly on Resolve/ForceRefresh; C7 (Folder Group) is built on
// ListDir.
type Port interface {
	// ListDir returns one page of entries under remotePath. cursor is the
	// opaque value returned by the previous call, or "" for the first page.
	ListDir(ctx context.Context, remotePath string, cursor string) (ListPage, error)

	// Resolve obtains a signed download URL for handle, possibly from a
	// short-term cache.
	Resolve(ctx context.Context, handle FileHandle) (ResolvedURL, error)

	// ForceRefresh obtains a signed download URL bypassing any cache.
	ForceRefresh(ctx context.Context, handle FileHandle) (ResolvedURL, error)

	// Mkdir optionally creates a remote directory; not all deployments
	// need it, callers should tolerate ErrNotImplemented.
	Mkdir(ctx context.Context, remotePath string) error
}
