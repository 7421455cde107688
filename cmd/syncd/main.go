package main

import "github.com/jwalitptl/syncqueue/cmd/syncd/cli"

func main() {
	cli.Execute()
}
