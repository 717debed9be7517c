package runner

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// currentRunnerID/setCurrentRunnerID implement a goroutine-confined
// marker recording which Runner, if any, owns the calling goroutine.
// Go exposes no public goroutine-local storage, so identity is derived
// from the numeric goroutine id embedded in runtime.Stack's header line
// ("goroutine 123 [running]:") the same way lightweight debugging
// helpers do; it is only ever compared for equality against a Runner's
// own id, never relied on for anything else.
var goroutineMarkers sync.Map

func currentGoroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i >= 0 {
		buf = buf[:i]
	}
	id, _ := strconv.ParseInt(string(buf), 10, 64)
	return id
}

func currentRunnerID() uint64 {
	v, ok := goroutineMarkers.Load(currentGoroutineID())
	if !ok {
		return 0
	}
	return v.(uint64)
}

func setCurrentRunnerID(id uint64) {
	gid := currentGoroutineID()
	if id == 0 {
		goroutineMarkers.Delete(gid)
		return
	}
	goroutineMarkers.Store(gid, id)
}
