package main

import (
	"os"

	"github.com/a-essam23/livepoll/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
