package main

import "citation-capture/cmd"

func main() {
	cmd.Execute()
}
