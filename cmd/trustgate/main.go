package main

import "github.com/stratumai/trustgate/internal/cli"

func main() {
	cli.Execute()
}
