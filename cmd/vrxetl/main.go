package main

import "github.com/vrx-tools/vrxetl/internal/cmd"

func main() {
	cmd.Execute()
}
