package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// handlers served by the serve command
var handlers = map[string]messaging.Handler{
	"echo": messaging.HandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}),
	"upper": messaging.HandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		return bytes.ToUpper(payload), nil
	}),
}

func lookupHandler(name string) (messaging.Handler, error) {
	handler, ok := handlers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown handler %q (echo, upper)", name)
	}
	return handler, nil
}

// parsePayloadLimit parses a size such as "64KiB"; empty or zero disables it
func parsePayloadLimit(s string) (int, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid payload limit %q: %w", s, err)
	}
	return int(n), nil
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	var (
		handlerName string
		maxPayload  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve requests until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			handler, err := lookupHandler(handlerName)
			if err != nil {
				return err
			}
			limit, err := parsePayloadLimit(maxPayload)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := openSession(ctx, v, handler, messaging.WithPayloadLimit(limit))
			if err != nil {
				return err
			}
			defer s.close()

			s.logger.Info("serving requests",
				"transport", s.cfg.Transport,
				"requestAddress", s.cfg.RequestAddress,
				"handler", handlerName,
				"maxPayload", maxPayload)
			<-ctx.Done()
			s.logger.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&handlerName, "handler", "echo", "handler to serve: echo or upper")
	cmd.Flags().StringVar(&maxPayload, "max-payload", "1MiB", "largest accepted request payload")
	return cmd
}
