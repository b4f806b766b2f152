// Command flumen runs the live graph engine against a Flumen backend and
// manages its locally stored layout.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
