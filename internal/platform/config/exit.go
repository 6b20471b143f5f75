package config

import (
	"fmt"
	"io"
	"os"
)

var (
	stderr io.Writer = os.Stderr
	exit             = os.Exit
)

// ExitOnError reports err under stage on stderr and exits with code 2, the
// flag package's usage code. A nil err is a no-op.
func ExitOnError(stage string, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(stderr, "%s: %v\n", stage, err)
	exit(2)
}
