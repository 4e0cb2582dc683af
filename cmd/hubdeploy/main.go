package main

import (
	"os"

	"github.com/bianoble/hubdeploy/cmd/hubdeploy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
