package main

import "os"

// main defers all execution to the Cobra CLI.
func main() {
	os.Exit(Execute())
}
