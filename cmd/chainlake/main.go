package main

import "github.com/vietddude/chainlake/internal/cli"

func main() {
	cli.Execute()
}
