package main

import "github.com/Davincible/llmgate/cmd"

func main() {
	cmd.Execute()
}
