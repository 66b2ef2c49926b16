package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRequestCommand(v *viper.Viper) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "request [payload]",
		Short: "Send one request and print the response",
		Long:  "Send one request and print the response payload. The payload is read from stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) == 1 {
				payload = []byte(args[0])
			} else {
				var err error
				if payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("failed to read payload: %w", err)
				}
			}

			ctx := cmd.Context()
			s, err := openSession(ctx, v, nil)
			if err != nil {
				return err
			}
			defer s.close()

			start := time.Now()
			response, err := s.client.Request(ctx, payload, timeout)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			s.logger.Debug("response received", "elapsed", time.Since(start), "bytes", len(response))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(response))
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "request timeout (0 uses the configured timeout)")
	return cmd
}
