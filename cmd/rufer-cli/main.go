package main

import "github.com/nfrund/rufer/cmd/rufer-cli/cmd"

func main() {
	cmd.Execute()
}
