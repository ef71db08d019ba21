// Command reprl-echo is a tiny standalone REPRL target for manual and
// integration testing: it speaks the wire protocol on the fixed fds
// and, depending on -mode, echoes, times out, or crashes.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ehrlich-b/jsraider-reprl/internal/testtarget"
)

func main() {
	mode := flag.String("mode", string(testtarget.ModeEcho), "behavior: echo, timeout, crash, coverage")
	flag.Parse()

	if err := testtarget.Run(testtarget.Mode(*mode)); err != nil {
		fmt.Fprintf(os.Stderr, "reprl-echo: %v\n", err)
		os.Exit(1)
	}
}
