package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/allisson/jobflow/cmd/app/commands"
)

func getWorkerCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "worker",
			Usage: "Start the queue worker consuming job and stage-event queues",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return commands.RunWorker(ctx)
			},
		},
		{
			Name:  "relay",
			Usage: "Start the outbox relay publishing pending messages to the broker",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return commands.RunRelay(ctx)
			},
		},
		{
			Name:  "reaper",
			Usage: "Start the maintenance reaper for expired waits and stale outbox locks",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return commands.RunReaper(ctx)
			},
		},
	}
}
