// The main package for the rankcrawler executable.
package main

import (
	"github.com/JakeFAU/aoc-ranking-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
