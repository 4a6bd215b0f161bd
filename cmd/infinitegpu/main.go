// Package main is the single-binary entrypoint for the InfiniteGPU
// node: serve runs the dispatch node, the other subcommands drive it.
package main

import (
	"github.com/scalerize/infinitegpu/internal/cli"
	"github.com/scalerize/infinitegpu/internal/daemon"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if version != "dev" {
		daemon.Version = version
	}
	cli.Execute(version)
}
