package main

import "github.com/taskpulse/taskpulse/services/gateway/cli"

func main() {
	cli.Execute()
}
