package main

import (
	"log"

	"github.com/1cbyc/ecom-api/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatalf("orders service failed: %v", err)
	}
}
