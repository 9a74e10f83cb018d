// Package session provides handles to image stores.
//
// A Session is reachable locally, over a secure tunnel, directly by address, or as a
// fan-out over several of those. Every variant exposes the same store operations:
// capability probes, export, import and tag. A session must be opened and ready before
// any command runs against it, and it is closed exactly once.
package session

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	syncerr "github.com/toxic13/docker-utils/internal/errors"
	"github.com/toxic13/docker-utils/internal/image"
)

// Session is a handle to one logical image store.
type Session interface {
	// Label is a human readable name for logs and errors.
	Label() string

	// Open enters the session's execution context. It may return before the store is
	// usable; Ready must be awaited before issuing commands.
	Open(ctx context.Context) error

	// Ready blocks until the store accepts commands.
	Ready(ctx context.Context) error

	// Close tears down the execution context. Commands issued afterwards fail.
	Close() error

	// CanExportWithExclusion reports whether exports can omit content by identifier.
	// A probe that cannot decide reports false.
	CanExportWithExclusion(ctx context.Context) bool

	// CanImportWithExclusionReport reports whether imports can list the content they skipped.
	// A probe that cannot decide reports false.
	CanImportWithExclusionReport(ctx context.Context) bool

	// Export writes images to w, omitting the content identified by exclude. fn, if not
	// nil, is called while the export is running; the export is killed if fn fails.
	Export(ctx context.Context, images []string, exclude image.ExcludeSet, w io.Writer, fn func() error) error

	// Import loads the stream read from r. fn, if not nil, is called once the import is
	// running. With report set, the identifiers the store already held are returned.
	Import(ctx context.Context, r io.Reader, report bool, fn func() error) (image.ExcludeSet, error)

	// Tag points tag at the image identified by id.
	Tag(ctx context.Context, id, tag string) error
}

// LocalAddress selects the local store.
const LocalAddress = "local"

var (
	directSchemes = map[string]bool{"tcp": true, "unix": true, "npipe": true, "fd": true}

	// sshTarget matches "[user@]host" targets.
	sshTarget = regexp.MustCompile(`^(?:[A-Za-z0-9._-]+@)?[A-Za-z0-9._-]+$`)
)

// New returns a session for addr.
//
// The variant is chosen from the address syntax: "local" (or empty) is the local store,
// "ssh://[user@]host[:port]" and "[user@]host" go through a secure tunnel, tcp://, unix://,
// npipe:// and fd:// addresses are used directly, and a comma separated list of addresses
// is a fan-out over all of them.
func New(addr string, opts ...Option) (Session, error) {
	if strings.Contains(addr, ",") {
		f, err := NewFanout(strings.Split(addr, ","), opts...)
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	e, err := newEndpoint(strings.TrimSpace(addr), mergeOptions(opts...))
	if err != nil {
		return nil, err
	}
	return e, nil
}

func newEndpoint(addr string, o *Options) (*Endpoint, error) {
	if addr == "" || addr == LocalAddress {
		return newEndpointWith(LocalAddress, &localTransport{}, o), nil
	}

	if scheme, _, ok := strings.Cut(addr, "://"); ok {
		switch {
		case scheme == "ssh":
			return newTunnelEndpoint(addr, o)
		case directSchemes[scheme]:
			return newEndpointWith(addr, &directTransport{host: addr}, o), nil
		default:
			return nil, syncerr.New(syncerr.CodeInvalidInput, "parse address",
				fmt.Errorf("%w: unsupported scheme %q in %q", syncerr.ErrInvalidAddress, scheme, addr))
		}
	}

	if !sshTarget.MatchString(addr) {
		return nil, syncerr.New(syncerr.CodeInvalidInput, "parse address",
			fmt.Errorf("%w: %q", syncerr.ErrInvalidAddress, addr))
	}
	return newEndpointWith(addr, newTunnel(addr, "", o), o), nil
}

func newTunnelEndpoint(addr string, o *Options) (*Endpoint, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Hostname() == "" || (u.Path != "" && u.Path != "/") {
		return nil, syncerr.New(syncerr.CodeInvalidInput, "parse address",
			fmt.Errorf("%w: %q", syncerr.ErrInvalidAddress, addr))
	}

	target := u.Hostname()
	if u.User != nil && u.User.Username() != "" {
		target = u.User.Username() + "@" + target
	}
	if !sshTarget.MatchString(target) {
		return nil, syncerr.New(syncerr.CodeInvalidInput, "parse address",
			fmt.Errorf("%w: %q", syncerr.ErrInvalidAddress, addr))
	}
	return newEndpointWith(addr, newTunnel(target, u.Port(), o), o), nil
}
