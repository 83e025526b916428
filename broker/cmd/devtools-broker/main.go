package main

import (
	"fmt"
	"os"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/broker"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/cli"
)

var version = "dev"

func main() {
	root := cli.NewRootCmd(version, broker.Options{})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
