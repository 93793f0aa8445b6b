package main

import "github.com/caretta-ai/caretta/internal/cli"

func main() {
	cli.Execute()
}
