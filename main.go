package main

import "pixmatch/cmd"

func main() {
	cmd.Execute()
}
