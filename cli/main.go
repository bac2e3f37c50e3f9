package main

import "southwinds.dev/coffer/cli/cmd"

func main() {
	cmd.Execute()
}
