package main

import "eduhelper/cmd"

func main() {
	cmd.Execute()
}
