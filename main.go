package main

import "consultd/cmd"

func main() {
	cmd.Execute()
}
