package main

import (
	"os"

	"github.com/chatscribe/chatscribe/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
