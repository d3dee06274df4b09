package main

import (
	"github.com/spf13/cobra"

	"github.com/dbfold/pgmux/serv"
)

// servCmd is the cobra CLI command for the serve subcommand
func servCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"serv"},
		Short:   "Run the pgmux service",
		Run:     cmdServ,
	}
}

// cmdServ is the handler for the serve subcommand
func cmdServ(*cobra.Command, []string) {
	setup(cpath)

	s, err := serv.NewService(conf)
	if err != nil {
		log.Fatalf("%s", err)
	}
	s.Start()
}
