package main

import "github.com/Davincible/claude-proxy/cmd"

func main() {
	cmd.Execute()
}
