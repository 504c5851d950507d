package main

import (
	"github.com/joho/godotenv"

	"github.com/nimburion/sharedqueue/pkg/cli"
)

func main() {
	// .env.local overrides .env; neither overrides the real environment.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	cli.Execute(cli.NewRootCommand(cli.Options{
		Name:        "sharedqueue",
		Description: "Shared Redis job queue with mail producer, worker and dead-letter queue",
	}))
}
