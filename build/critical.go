package build

import (
	"fmt"
	"os"
	"runtime/debug"
)

// Critical should be called any time a sanity check has failed, indicating
// that the program is running in an undefined state. In testing builds a
// Critical is a panic so that the offending code path fails loudly; in
// release builds the event is printed and execution continues, because a
// download orchestrator that limps is better than one that crashes a
// daemon.
func Critical(v ...interface{}) {
	if Release == "testing" {
		panic(fmt.Sprintln(v...))
	}
	fmt.Fprintln(os.Stderr, "Critical error:", fmt.Sprintln(v...))
	debug.PrintStack()
}

// Severe is like Critical but for conditions that are known to be possible,
// merely very bad. It never panics.
func Severe(v ...interface{}) {
	fmt.Fprintln(os.Stderr, "Severe error:", fmt.Sprintln(v...))
	if DEBUG {
		debug.PrintStack()
	}
}
