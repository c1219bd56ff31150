package main

import "github.com/qobs-build/arcbuild/cmd"

func main() {
	cmd.Execute()
}
