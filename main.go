// Package main is the dnscrypt-wrapper entry point.
package main

import "github.com/AdguardTeam/dnscrypt-wrapper/internal/cmd"

func main() {
	cmd.Main()
}
