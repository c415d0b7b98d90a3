package main

import (
	"github.com/joho/godotenv"

	"github.com/misterdjules/moray/cmd"
)

func main() {
	// Load .env if present; MORAY_URL may live there.
	_ = godotenv.Load()

	cmd.Execute()
}
