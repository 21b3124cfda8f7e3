package main

import "github.com/flotilla-io/flotilla/src/cli"

func main() {
	cli.Execute()
}
