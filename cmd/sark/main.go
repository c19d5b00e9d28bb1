package main

import "github.com/sark-labs/sark/cmd/sark/cmd"

func main() {
	cmd.Execute()
}
