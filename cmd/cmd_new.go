package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// defaultConfig is the scaffold written by the new command.
const defaultConfig = `app_name: "pgmux development"
host_port: 0.0.0.0:8080
log_level: debug
log_format: auto
reload_on_config_change: true

url_path_prefix: /api/

# schemas and routines exposed by default; tighten these in production
# schema_similar_to: public
# exclude_names: [internal_%]

auth:
  type: none
  # type: jwt
  # secret: change-me
  # cookie_name: pgmux-session

default_connection: main

connections:
  main:
    host: localhost
    port: 5432
    dbname: postgres
    user: postgres
    password: postgres
    pool_size: 10
`

// newCmd creates the new command
func newCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Create a default config directory",
		Run:   cmdNew,
	}
}

func cmdNew(*cobra.Command, []string) {
	cp, err := filepath.Abs(cpath)
	if err != nil {
		log.Fatal(err)
	}

	if err := os.MkdirAll(cp, os.ModePerm); err != nil {
		log.Fatalf("failed to create config directory: %s", err)
	}

	cf := filepath.Join(cp, "dev.yml")
	if _, err := os.Stat(cf); err == nil {
		log.Fatalf("config already exists: %s", cf)
	}
	if err := os.WriteFile(cf, []byte(defaultConfig), 0o600); err != nil {
		log.Fatalf("failed to write config: %s", err)
	}
	log.Infof("created default config: %s", cf)
}
