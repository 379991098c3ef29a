// Package network holds socket helpers shared by ReforgerMon's listeners.
package network

import (
	"context"
	"fmt"
	"net"
)

// Listen binds a TCP listener on addr. Where the platform supports it the
// socket is marked SO_REUSEADDR, so a restarted monitor can rebind its API
// port while the old socket sits in TIME_WAIT.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}
