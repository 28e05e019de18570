package main

import "github.com/taskpulse/taskpulse/services/notify/cli"

func main() {
	cli.Execute()
}
