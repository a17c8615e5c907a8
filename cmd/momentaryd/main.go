package main

import "github.com/realworldbuilder/momentary/internal/cli"

func main() {
	cli.Execute()
}
