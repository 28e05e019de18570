package main

import "github.com/taskpulse/taskpulse/services/reminder/cli"

func main() {
	cli.Execute()
}
