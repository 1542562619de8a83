package main

import "github.com/lemonhq/lemongate/cmd"

func main() {
	cmd.Execute()
}
