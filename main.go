package main

import (
	"os"

	"github.com/spacesbuild/spaces/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
