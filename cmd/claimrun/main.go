// Command claimrun runs a command at most once per key across every process
// sharing the lock store. Concurrent invocations with the same key wait for
// the running one and reproduce its output and exit status.
//
//	claimrun [flags] KEY -- COMMAND [ARGS...]
package main

import (
	"os"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
