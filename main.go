// Command txbridge runs the Alfresco-to-search-engine indexing bridge.
package main

import (
	"fmt"
	"os"

	"txbridge.dev/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
