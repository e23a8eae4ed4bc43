// imposters is the operator CLI for the shared imposter store.
package main

import "github.com/getmockd/imposters/pkg/cli"

func main() {
	cli.Execute()
}
