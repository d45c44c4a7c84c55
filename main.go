package main

import "github.com/devicelab-dev/screenpulse/pkg/cli"

func main() {
	cli.Execute()
}
