package main

import "github.com/dayuer/dispatchd/cmd"

func main() {
	cmd.Execute()
}
