package main

import (
	"os"

	"docload/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
