package main

import "github.com/openkasse/kassad/internal/cli"

func main() {
	cli.Execute()
}
