// Command ftpd serves a directory over FTP and FTPS.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ftpd: %v\n", err)
		os.Exit(1)
	}
}
