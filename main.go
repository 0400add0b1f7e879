package main

import "github.com/sablefox/conduit/cmd"

func main() {
	cmd.Execute()
}
