package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/crewdeck/runwatch/internal/cli"
)

func main() {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
