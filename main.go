package main

import "github.com/samsaffron/tau/cmd"

func main() {
	cmd.Execute()
}
