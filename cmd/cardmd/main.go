package main

import "github.com/aweris/cardmd/cmd/cardmd/cmd"

func main() {
	cmd.Execute()
}
