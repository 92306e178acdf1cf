package main

import "github.com/arcward/fortunebot/cmd"

func main() {
	cmd.Execute()
}
