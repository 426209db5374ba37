package main

import "github.com/bakdata/quick-sub003/cmd/mirrord"

func main() {
	mirrord.Main()
}
