package main

import (
	"fmt"
	"os"

	"github.com/Oudwins/storyd/storyctl"
)

func main() {
	if err := storyctl.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
