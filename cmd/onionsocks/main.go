// Package main is the onionsocks command.
//
// Usage:
//
//	onionsocks registry             # node directory over HTTP
//	onionsocks node                 # relay / exit node
//	onionsocks client               # SOCKS5 entry for local applications
//	onionsocks keygen               # create a node identity
package main

func main() {
	Execute()
}
