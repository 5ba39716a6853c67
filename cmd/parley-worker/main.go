package main

import (
	"log"

	"parley/cmd/internal/app"
)

func main() {
	if err := app.RunWorker(); err != nil {
		log.Fatal(err)
	}
}
