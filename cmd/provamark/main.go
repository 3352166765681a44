package main

import (
	"log"

	"github.com/provamark-dev/provamark-host-sdk/cmd/provamark/cli"
)

func main() {
	log.SetFlags(0)
	if err := cli.New().Execute(); err != nil {
		log.Fatalf("provamark: %v", err)
	}
}
