// Command adlock is a terminal editor client for the adlockd lock server.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-adlock/v1/logging"
	"github.com/mirkobrombin/go-adlock/v1/protocol"
	"github.com/mirkobrombin/go-adlock/v1/replica"
	"github.com/mirkobrombin/go-adlock/v1/transport/ws"
)

func newCommand() *cobra.Command {
	var (
		server, resource, session string
		logFile, logLevel         string
	)
	cmd := &cobra.Command{
		Use:          "adlock",
		Short:        "Edit an advertisement under an exclusive lock",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The terminal belongs to the UI; logs go to a file or nowhere.
			var w io.Writer = io.Discard
			if logFile != "" {
				f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			logger, err := logging.New(w, logLevel)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			conns := make(chan bool, 1)
			var rep *replica.Replica
			client := ws.NewClient(server, resource,
				func(e protocol.Event) { rep.Apply(e) },
				ws.WithSession(session),
				ws.WithClientLogger(logger),
				ws.WithStatusFunc(func(up bool) {
					select {
					case <-conns:
					default:
					}
					conns <- up
				}),
			)
			rep = replica.New(resource, client.Session(), client, replica.WithLogger(logger))
			defer rep.Close()
			states, unsubscribe := rep.Subscribe()
			defer unsubscribe()

			go func() { _ = client.Run(ctx) }()

			p := tea.NewProgram(NewApp(rep, states, conns), tea.WithAltScreen(), tea.WithContext(ctx))
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().StringVarP(&server, "server", "", "ws://127.0.0.1:8080/ws", "adlockd WebSocket endpoint")
	cmd.Flags().StringVarP(&resource, "resource", "", "car-123", "Advertisement to edit")
	cmd.Flags().StringVarP(&session, "session", "", "", "Session id (default random)")
	cmd.Flags().StringVarP(&logFile, "log-file", "", "", "Write logs to this file")
	cmd.Flags().StringVarP(&logLevel, "log-level", "", "info", "Log level, can be one of: debug, info, warn, error, off")
	return cmd
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
