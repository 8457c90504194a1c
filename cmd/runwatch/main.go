package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	var gf GlobalFlags

	root := &cobra.Command{
		Use:   "runwatch",
		Short: "watch append-only event log streams via the store's pub/sub channel",
	}
	root.PersistentFlags().StringVarP(&gf.ConfigPath, "config", "c", "runwatch.toml", "path to TOML config file")

	var tf TailFlags
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "watch one stream and print records as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(gf, tf)
		},
	}
	tailCmd.Flags().StringVar(&tf.Stream, "stream", "", "stream id to watch (required)")
	tailCmd.Flags().Int64Var(&tf.Cursor, "cursor", 0, "deliver positions >= cursor")
	_ = tailCmd.MarkFlagRequired("stream")

	var af AppendFlags
	appendCmd := &cobra.Command{
		Use:   "append",
		Short: "append one record to a stream (producer side)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(gf, af)
		},
	}
	appendCmd.Flags().StringVar(&af.Stream, "stream", "", "stream id to append to (required)")
	appendCmd.Flags().StringVar(&af.Data, "data", "", "record payload (required)")
	_ = appendCmd.MarkFlagRequired("stream")
	_ = appendCmd.MarkFlagRequired("data")

	var sf ServeFlags
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "serve watched streams over HTTP (SSE) with metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(gf, sf)
		},
	}
	serveCmd.Flags().StringVar(&sf.Listen, "listen", "", "listen address (overrides config)")
	serveCmd.Flags().DurationVar(&sf.ShutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout")

	root.AddCommand(tailCmd, appendCmd, serveCmd)
	return root
}
