// Command chatsync is a terminal chat client kept in sync with the server
// over one WebSocket.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chatsync:", err)
		os.Exit(1)
	}
}
