package main

import "github.com/sajjad-MoBe/CloudLedger/node/src/cmd"

func main() {
	cmd.Execute()
}
