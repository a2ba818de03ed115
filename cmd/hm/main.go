package main

import (
	"os"

	"github.com/hivemind-run/hivemind/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
