package main

import "github.com/aetherhq/aether-gateway/cmd"

func main() {
	cmd.Execute()
}
