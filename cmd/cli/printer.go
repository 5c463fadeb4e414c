package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

func printSuccess(format string, a ...any) {
	green.Printf("✓ "+format+"\n", a...)
}

func printInfo(format string, a ...any) {
	fmt.Printf(format+"\n", a...)
}

func printWarning(format string, a ...any) {
	yellow.Printf("⚠️  "+format+"\n", a...)
}

func printHeader(format string, a ...any) {
	cyan.Printf(format+"\n", a...)
}

// printError prints title and explanation to stderr and returns an error for cobra.
func printError(title string, err error) error {
	red.Fprintf(os.Stderr, "%s\n", title)
	if err != nil {
		fmt.Fprintf(os.Stderr, "  %v\n", err)
	}
	return fmt.Errorf("%s", title)
}
