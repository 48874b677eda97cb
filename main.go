package main

import "github.com/arcward/manifestbot/cmd"

func main() {
	cmd.Execute()
}
