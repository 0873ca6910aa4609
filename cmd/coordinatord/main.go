// Package main is the entry point for the coordinator host.
package main

import (
	"os"

	"hacoordinator/cmd/coordinatord/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
