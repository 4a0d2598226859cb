// Package main provides handshake-cli, which runs a wallet handshake from a
// terminal by printing the deep link as a QR code.
package main

import (
	"os"

	"github.com/sirosfoundation/go-wallet-handshake/cmd/handshake-cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
