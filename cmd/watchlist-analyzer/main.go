package main

import "watchlist-analyzer/internal/cli"

func main() {
	cli.Execute()
}
