package main

import (
	"log"

	"crosslight/cmd"
)

func main() {
	// keep main tiny; cmd.Execute implements CLI and controller bootstrap
	if err := cmd.Execute(); err != nil {
		log.Fatalf("crosslight: %v", err)
	}
}
