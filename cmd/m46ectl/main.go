// Command m46ectl is the CLI client for the m46ed tunnel daemon.
package main

import "github.com/m46e-project/m46ed/cmd/m46ectl/commands"

func main() {
	commands.Execute()
}
