package main

import "github.com/oshokin/app-installer/cmd/app-installer/cmd"

func main() {
	cmd.Execute()
}
