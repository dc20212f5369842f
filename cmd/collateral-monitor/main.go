package main

import "collateral-monitor/internal/cli"

func main() {
	cli.Execute()
}
