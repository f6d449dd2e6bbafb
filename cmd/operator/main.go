package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/lnfoundry/capacityhub/logger"
	"github.com/lnfoundry/capacityhub/operator"
	"github.com/lnfoundry/capacityhub/service"
)

func main() {
	var svc service.Service
	var operatorSvc *operator.Service

	app := &cli.App{
		Name:  "capacity-operator",
		Usage: "node maintenance for the capacity service",
		Before: func(c *cli.Context) error {
			s, err := service.NewService(c.Context, service.Options{RequireLNClient: true})
			if err != nil {
				return err
			}
			svc = s
			operatorSvc = operator.NewService(s.GetDB(), s.GetLNClient())
			return nil
		},
		After: func(c *cli.Context) error {
			if svc != nil {
				svc.Shutdown()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "reconnect",
				Usage: "reconnect peers of inactive channels using graph addresses",
				Action: func(c *cli.Context) error {
					return operatorSvc.Reconnect(c.Context)
				},
			},
			{
				Name:  "close-dormant",
				Usage: "force-close inactive channels holding only local balance",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "sat-per-byte", Value: 1, Usage: "closing transaction fee rate"},
					&cli.BoolFlag{Name: "dry-run", Usage: "print what would be closed"},
				},
				Action: func(c *cli.Context) error {
					return operatorSvc.CloseDormant(c.Context, c.Int64("sat-per-byte"), c.Bool("dry-run"))
				},
			},
			{
				Name:  "close-by-host",
				Usage: "close channels with peers announcing a matching address",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "host", Required: true, Usage: "address substring to match"},
					&cli.Int64Flag{Name: "sat-per-byte", Value: 1, Usage: "closing transaction fee rate"},
					&cli.BoolFlag{Name: "dry-run", Usage: "print what would be closed"},
				},
				Action: func(c *cli.Context) error {
					return operatorSvc.CloseByHost(c.Context, c.String("host"), c.Int64("sat-per-byte"), c.Bool("dry-run"))
				},
			},
			{
				Name:  "dupes",
				Usage: "list peers with three or more channels",
				Action: func(c *cli.Context) error {
					return operatorSvc.Dupes(c.Context)
				},
			},
			{
				Name:  "graph",
				Usage: "summarize the local network graph view",
				Action: func(c *cli.Context) error {
					return operatorSvc.GraphStats(c.Context)
				},
			},
		},
	}

	if err := app.RunContext(context.Background(), os.Args); err != nil {
		logger.Logger.Fatal().Err(err).Msg("Command failed")
	}
}
