package main

import "github.com/dunamismax/actflow/internal/cli"

func main() {
	cli.Execute()
}
