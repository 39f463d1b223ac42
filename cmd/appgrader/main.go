// Package main is the single-binary entrypoint for appgrader.
package main

import "github.com/tutu-network/appgrader/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
