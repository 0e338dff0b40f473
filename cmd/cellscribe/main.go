package main

import "github.com/cellscribe/cellscribe/cmd/cellscribe/cli"

func main() {
	cli.Execute()
}
