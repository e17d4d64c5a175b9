package main

import "github.com/soracode/renga/cmd"

func main() {
	cmd.Execute()
}
