package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	err := newApp().Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "usersconsumer",
		Usage: "Consume the users topic and log every message",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the users consumer",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:   "check-config",
				Usage:  "Load and validate the server configuration, then print it",
				Flags:  checkConfigFlags(),
				Action: checkConfig,
			},
			{
				Name:   "produce",
				Usage:  "Publish a single message to a Kafka topic",
				Flags:  produceFlags(),
				Action: produce,
			},
		},
	}
}
