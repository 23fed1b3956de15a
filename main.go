package main

import "github.com/tbourn/changuard/cmd"

func main() {
	cmd.Execute()
}
