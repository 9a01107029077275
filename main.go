package main

import "supertrend-trader/internal/cli"

func main() {
	cli.Execute()
}
