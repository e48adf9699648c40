package main

import (
	"github.com/hughpyle/keep/cmd"
)

func main() {
	cmd.Execute()
}
