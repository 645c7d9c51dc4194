package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/angariumd/gpuledger/internal/config"
	"github.com/angariumd/gpuledger/internal/netutils"
)

type client struct {
	controllerURL string
	token         string
	http          *http.Client
}

func main() {
	var (
		c        client
		insecure bool
	)

	rootCmd := &cobra.Command{
		Use:           "gpuledger",
		Short:         "Inspect and manage shared GPU usage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadCLIConfig()
			if err != nil {
				return fmt.Errorf("loading cli config: %w", err)
			}
			c.controllerURL = cfg.ControllerURL
			c.token = cfg.Token
			if v := os.Getenv("GPULEDGER_URL"); v != "" {
				c.controllerURL = v
			}
			if v := os.Getenv("GPULEDGER_TOKEN"); v != "" {
				c.token = v
			}
			if c.controllerURL == "" {
				c.controllerURL = "http://localhost:8090"
			}
			c.controllerURL = strings.TrimSuffix(c.controllerURL, "/")
			c.http = netutils.NewClient(30*time.Second, insecure)
			return nil
		},
	}
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS verification of the controller certificate")

	rootCmd.AddCommand(
		loginCmd(),
		whoamiCmd(&c),
		viewCmd(&c),
		sessionsCmd(&c),
		eventsCmd(&c),
		usageCmd(&c),
		reportCmd(&c),
		reserveCmd(&c),
		reservationsCmd(&c),
		cancelCmd(&c),
		adjustCmd(&c),
		deactivateCmd(&c),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (c *client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if c.token == "" {
		return errors.New("not logged in: run `gpuledger login` or set GPULEDGER_TOKEN")
	}
	u := c.controllerURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	err := netutils.DoJSON(ctx, c.http, method, u, header, in, out)
	var se *netutils.StatusError
	if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
		return errors.New("unauthorized: check your token")
	}
	return err
}
