package main

import (
	"fmt"
	"os"

	"AttestGate/internal/logger"
)

func main() {
	logger.Init()

	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
