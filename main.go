// The main package for the collector executable.
package main

import (
	"github.com/JakeFAU/mission-vault/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
