package main

import (
	"os"

	"github.com/vimo-ai/vlaude-sub001/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
