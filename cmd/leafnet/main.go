// Command leafnet fine-tunes a ResNet classifier on the Plant Pathology
// leaf images.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
