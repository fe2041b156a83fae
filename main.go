package main

import "civiclake/cmd"

func main() {
	cmd.Execute()
}
