// Package groutine runs named goroutines and the serial workers built on them.
package groutine

import (
	"bytes"
	"context"
	"runtime"
	"runtime/pprof"
	"strconv"
)

type nameKey struct{}

// LabelKey is the pprof label carrying a goroutine's name.
const LabelKey = "goroutine_name"

// Go runs fn on a new goroutine named name. The name is attached as a pprof
// label and stored in the context fn receives:
//
//	groutine.Go(ctx, "btkit-monitor-"+id, func(ctx context.Context) {
//		<-ctx.Done()
//	})
//
// A nil parentCtx means context.Background().
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	go pprof.Do(parentCtx, pprof.Labels(LabelKey, name), func(ctx context.Context) {
		fn(context.WithValue(ctx, nameKey{}, name))
	})
}

// GetName returns the name Go gave the goroutine running under ctx, or "".
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(nameKey{}).(string)
	return name
}

// GetGID returns the runtime's ID for the calling goroutine, parsed from the
// stack header. Serial uses it to spot calls made from its own worker.
func GetGID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		gid, _ := strconv.ParseUint(string(b[:i]), 10, 64)
		return gid
	}
	return 0
}
