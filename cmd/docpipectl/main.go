// docpipectl is the operator CLI for the document workflow service.
package main

import (
	"os"

	"docpipe/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
