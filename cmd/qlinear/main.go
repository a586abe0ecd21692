package main

import (
	"os"

	"github.com/23skdu/longbow-qlinear/cmd/qlinear/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
