//go:build linux
// +build linux

// File: cmd/tpcbench/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// tpcbench runs an echo or countdown server over a group of io_uring
// reactors, and the countdown RPC benchmark against it.

package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
