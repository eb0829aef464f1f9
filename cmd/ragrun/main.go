// Command ragrun is the CLI entrypoint for the local retrieval-augmented
// search engine described in SPEC_FULL.md: it wires the conversion cache,
// index store, indexing queue, hybrid search engine, watchers, and tool
// server together under a cobra command tree.
package main

import (
	"os"

	"github.com/aihaysteve/ragrun/cmd/ragrun/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
