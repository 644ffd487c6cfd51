// syncagentd is the coordination server: it stores encrypted chunks
// and file metadata for syncagent clients and pushes change
// notifications between them. It never holds a decryption key.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
