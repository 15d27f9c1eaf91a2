package main

import (
	"fmt"
	"os"

	"github.com/ghyeongl/surfcheck/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "surfcheck:", err)
		os.Exit(1)
	}
}
