package main

import "github.com/vietddude/txreplay/internal/cli"

func main() {
	cli.Execute()
}
