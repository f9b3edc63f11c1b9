package build

import (
	"fmt"
	"os"
	"runtime/debug"
)

// Critical should be called when a sanity check has failed, indicating a
// programmer error rather than a runtime condition a caller could have
// avoided. If the program does not panic, the call stack for the running
// goroutine is printed to help locate the failed invariant.
func Critical(v ...interface{}) {
	s := "Critical error: " + fmt.Sprintln(v...) + "Please file a bug report at https://github.com/nosqlbench/nbdatatools-sub003/issues\n"
	if Release != "testing" {
		debug.PrintStack()
		os.Stderr.WriteString(s)
	}
	if DEBUG {
		panic(s)
	}
}

// Severe prints a message to os.Stderr and panics as well if DEBUG is set.
// Use it for conditions that are serious but where crashing is not required
// to preserve the cache's integrity, such as a failed fsync or an
// unreadable local tree file.
func Severe(v ...interface{}) {
	s := "Severe error: " + fmt.Sprintln(v...)
	if Release != "testing" {
		debug.PrintStack()
		os.Stderr.WriteString(s)
	}
	if DEBUG {
		panic(s)
	}
}
