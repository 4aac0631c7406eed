package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tendant/chunked-content-pipeline/pkg/client"
)

func newStatusCmd() *cobra.Command {
	var (
		apiURL string
		user   bool
	)

	cmd := &cobra.Command{
		Use:   "status <content-id>",
		Short: "Show the pipeline status of an upload",
		Long:  "Queries a running worker's API. With --user the argument is a user id and every upload of that user is listed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(apiURL)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if user {
				items, err := c.ListByUser(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return enc.Encode(items)
			}

			item, err := c.GetStatus(cmd.Context(), args[0])
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("no upload with id %s", args[0])
			}
			if err != nil {
				return err
			}
			return enc.Encode(item)
		},
	}

	defaultURL := os.Getenv("PIPELINE_API_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	cmd.Flags().StringVar(&apiURL, "api", defaultURL, "Pipeline API base URL")
	cmd.Flags().BoolVar(&user, "user", false, "Treat the argument as a user id and list their uploads")
	return cmd
}
