package main

import "github.com/taskpulse/taskpulse/services/audit/cli"

func main() {
	cli.Execute()
}
