package main

import "github.com/taskpulse/taskpulse/services/recurring/cli"

func main() {
	cli.Execute()
}
