package main

import (
	"os"
)

func main() {
	// errors are printed by the printer helpers
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
