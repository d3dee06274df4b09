package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

// dbCmd creates the db command
func dbCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "db",
		Short: "Database connection commands",
	}

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Check every configured database connection",
		Run:   cmdDBPing,
	}
	c.AddCommand(pingCmd)

	return c
}

// cmdDBPing opens and pings every configured connection once
func cmdDBPing(*cobra.Command, []string) {
	setup(cpath)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for name, dc := range conf.Connections {
		cs := dc.ConnString
		if cs == "" {
			cs = fmt.Sprintf("postgres://%s@%s:%d/%s", dc.User, dc.Host, dc.Port, dc.DBName)
		}

		pool, err := pgxpool.New(ctx, cs)
		if err != nil {
			log.Fatalf("connection %q: %s", name, err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			log.Fatalf("connection %q: ping failed: %s", name, err)
		}
		pool.Close()
		log.Infof("connection %q: ok", name)
	}
}
