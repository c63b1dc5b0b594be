//go:build windows

package main

import (
	"errors"

	"github.com/spf13/cobra"
)

func detach(*cobra.Command, string) error {
	return errors.New("--daemon is not supported on windows, run dirsync as a service instead")
}

func processAlive(int) bool {
	return false
}
