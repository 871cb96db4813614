package main

import (
	"os"

	"sheetbox/cmd/sheetbox/cmd"
)

func main() {
	os.Exit(cmd.Execute(os.Args[1:], os.Stdout, os.Stderr, nil))
}
