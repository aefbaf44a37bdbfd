package main

import "github.com/edgeflare/logsync/cmd/logsync"

func main() {
	logsync.Main()
}
