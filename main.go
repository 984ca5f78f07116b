// The main package for the flowctl executable.
package main

import (
	"github.com/JakeFAU/flowlens/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
