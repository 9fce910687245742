package main

import "github.com/helxplatform/ldapsync/cmd/ldapsync/cmd"

func main() {
	cmd.Execute()
}
