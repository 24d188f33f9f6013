package main

import (
	"os"

	"github.com/agent-visualizer/backend/internal/viewercli"
)

func main() {
	if err := viewercli.Execute(); err != nil {
		os.Exit(1)
	}
}
