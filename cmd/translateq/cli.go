package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/translateq/pkg/client"
)

var (
	serverURL  string
	outputJSON bool
	useH2C     bool
)

func addClientFlags(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "translateq server URL")
		cmd.Flags().BoolVar(&outputJSON, "output-json", false, "Output as JSON")
		cmd.Flags().BoolVar(&useH2C, "h2c", false, "Use HTTP/2 cleartext")
	}
}

func newClient() *client.Client {
	if useH2C {
		return client.New(serverURL, client.WithH2C())
	}
	return client.New(serverURL)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func exitOnError(err error) {
	if err == nil {
		return
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", apiErr.Message)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	}
	os.Exit(1)
}
