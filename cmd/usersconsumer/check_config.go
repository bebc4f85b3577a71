package main

import (
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/urfave/cli/v2"
)

// checkConfig prints the effective server configuration after environment
// overrides, defaults and path resolution have been applied.
func checkConfig(c *cli.Context) error {
	srv, err := loadServerConfig(c.String("server-config"))
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(srv)
	if err != nil {
		return fmt.Errorf("failed to encode server config: %w", err)
	}
	if _, err := c.App.Writer.Write(out); err != nil {
		return fmt.Errorf("failed to write server config: %w", err)
	}
	return nil
}
