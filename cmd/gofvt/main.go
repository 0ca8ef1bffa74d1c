// gofvt -- conformance oracle for OpenFlow intermediaries.
package main

import "github.com/dantte-lp/gofvt/cmd/gofvt/commands"

func main() {
	commands.Execute()
}
