// The main package for the javbus crawler executable.
package main

import (
	"github.com/xiaotian947859/javbus-site/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
