package trax

import (
	"fmt"
	"os"
)

// Debug enables tracing diagnostics on stderr.
var Debug bool

// Warnf receives optimizer warnings (e.g. a guard on a constant that is
// sure to fail). Hosts may redirect it; the default writes to stderr.
var Warnf = func(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}

func debugf(format string, args ...any) {
	if Debug {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}
