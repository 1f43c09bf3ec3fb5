package main

import (
	"github.com/lancall/lancall/internal/cli"
)

func main() {
	cli.Execute()
}
