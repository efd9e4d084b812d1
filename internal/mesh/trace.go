package mesh

import (
	"log"
	"sync/atomic"
)

// Session trace verbosity, set from the Trace.Session option: 0 disables
// tracing, 1 logs session lifecycle, 2 adds announcement forwarding.
const (
	traceOff = iota
	traceLifecycle
	traceAnnouncements
)

var traceLevel atomic.Int32

// SetTraceLevel sets the session trace verbosity for the process.
func SetTraceLevel(level int) { traceLevel.Store(int32(level)) }

func traceSession(v ...interface{}) {
	if traceLevel.Load() >= traceLifecycle {
		log.Println(v...)
	}
}

func traceAnnounce(v ...interface{}) {
	if traceLevel.Load() >= traceAnnouncements {
		log.Println(v...)
	}
}
