// Command vsstree runs the in-memory VSS signal-tree server.
package main

import "github.com/vsstree/server/cmd/vsstree/cmd"

func main() {
	cmd.Execute()
}
