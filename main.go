package main

import "github.com/finclose/close-engine/cmd"

func main() {
	cmd.Execute()
}
