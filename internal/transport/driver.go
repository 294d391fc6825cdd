// Package transport implements the two upstream transports the router
// speaks: HTTP POST and line-delimited JSON over a child process's stdio.
package transport

import (
	"context"

	"github.com/wisbric/mcprouter/internal/rpc"
)

// Driver is the capability every upstream transport implements: a single
// async call. Implementations must be safe to call concurrently; the stdio
// driver serializes internally.
type Driver interface {
	Call(ctx context.Context, req *rpc.Request) (*rpc.Response, error)
}
