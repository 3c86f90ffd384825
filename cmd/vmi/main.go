package main

import (
	"os"

	"github.com/go-delve/vmi/cmd/vmi/cmds"
)

func main() {
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
