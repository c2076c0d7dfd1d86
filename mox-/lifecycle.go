package mox

import (
	"context"
	"sync/atomic"
	"time"
)

// Shutdown is canceled when a graceful shutdown is initiated. Sessions and
// imports should check this before starting a new command.
var Shutdown context.Context
var ShutdownCancel func()

// Context is the parent of most operations. It is canceled shortly after
// Shutdown, aborting active operations.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id to be used for sessions and requests.
func Cid() int64 {
	return cid.Add(1)
}
