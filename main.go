package main

import "github.com/mnemotechnician/officevulp/cmd"

func main() {
	cmd.Execute()
}
