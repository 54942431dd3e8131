// Buddy Fox - terminal client for the research relay
package main

import "github.com/buddyfox/buddyfox/internal/cli"

func main() {
	cli.Execute()
}
