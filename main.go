package main

import (
	"os"

	"github.com/technoculture/openoligo-tools/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
