// Attena is a WhatsApp conversational assistant with long-term memory,
// knowledge retrieval, and Cal.com meeting booking.
package main

import (
	"fmt"
	"os"

	"github.com/attena/attena/cmd/attena/commands"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	root := commands.NewRootCmd(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
