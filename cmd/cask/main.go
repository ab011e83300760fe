package main

import "github.com/aweris/cask/cmd/cask/cmd"

func main() {
	cmd.Execute()
}
