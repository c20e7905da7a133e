package main

import "github.com/n0madic/go-chatdispatch/cmd"

func main() {
	cmd.Execute()
}
