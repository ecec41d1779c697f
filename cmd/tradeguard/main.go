package main

import "tradeguard/internal/cli"

func main() {
	cli.Execute()
}
