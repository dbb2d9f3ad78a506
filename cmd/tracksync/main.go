// Command tracksync reconciles local work-item files with a remote tracker.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styleError.Render("error:"), err)
		os.Exit(1)
	}
}
