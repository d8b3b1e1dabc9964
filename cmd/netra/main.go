package main

import "github.com/saturnino-fabrica-de-software/netra/internal/cli"

func main() {
	cli.Execute()
}
