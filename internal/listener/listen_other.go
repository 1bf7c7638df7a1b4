//go:build !linux

package listener

import (
	"context"
	"net"

	"github.com/georgemihalcea/ldapcheck/internal/xerrors"
)

// Listen opens a TCP listener on addr. The backlog is the platform default.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen %s", addr)
	}
	return ln, nil
}
