/*
 *	lvrpc bridges Go programs and LabVIEW actors over TCP.
 *	Copyright (C) 2022 Arsen Musayelyan
 *
 *	This program is free software: you can redistribute it and/or modify
 *	it under the terms of the GNU General Public License as published by
 *	the Free Software Foundation, either version 3 of the License, or
 *	(at your option) any later version.
 *
 *	This program is distributed in the hope that it will be useful,
 *	but WITHOUT ANY WARRANTY; without even the implied warranty of
 *	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 *	GNU General Public License for more details.
 *
 *	You should have received a copy of the GNU General Public License
 *	along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"go.arsenm.dev/lvrpc/client"
	"go.arsenm.dev/lvrpc/config"
	"go.arsenm.dev/lvrpc/gateway"
	"go.arsenm.dev/lvrpc/internal/demo"
	"go.arsenm.dev/lvrpc/message"
	"go.arsenm.dev/lvrpc/server"
	"go.arsenm.dev/lvrpc/tracker"
)

// parseParams decodes a JSON object or array given on the command line
func parseParams(s string) (any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var params any
	if err := json.Unmarshal([]byte(s), &params); err != nil {
		return nil, fmt.Errorf("params must be JSON: %w", err)
	}
	switch params.(type) {
	case map[string]any, []any:
		return params, nil
	default:
		return nil, errors.New("params must be a JSON object or array")
	}
}

func printResponse(w io.Writer, resp *message.Response) error {
	if resp == nil {
		fmt.Fprintln(w, "sent")
		return nil
	}
	if resp.IsError() {
		return resp.Error
	}

	out, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	if resp.ExecTime != 0 {
		fmt.Fprintf(w, "exec time: %dµs\n", resp.ExecTime)
	}
	return nil
}

func (a *app) callCmd() *cobra.Command {
	var noWait bool

	cmd := &cobra.Command{
		Use:   "call <method> [params]",
		Short: "Call a method with JSON params",
		Example: `  lvrpc call add '{"a": 2, "b": 3}'
  lvrpc --actor --library "Chat Window.lvlib" call "Display Text" '{"Text": "hello"}' --no-wait`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) == 2 {
				raw = args[1]
			}
			params, err := parseParams(raw)
			if err != nil {
				return err
			}

			c, err := a.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.RPC(cmd.Context(), args[0], params, !noWait)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "do not wait for the response")
	return cmd
}

// defaultEchoText is sent by echo commands given no text
const defaultEchoText = "test"

func (a *app) echoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "echo [text]",
		Short: "Send an echo request",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := defaultEchoText
			if len(args) == 1 {
				text = args[0]
			}

			c, err := a.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Echo(cmd.Context(), text)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
}

func (a *app) benchCmd() *cobra.Command {
	var (
		sizes      []int
		iterations int
		runs       int
		out        string
		format     string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure echo latency over a range of payload sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format == "" {
				format = strings.TrimPrefix(filepath.Ext(out), ".")
			}
			if out != "" && format != tracker.FormatJSON && format != tracker.FormatCSV {
				return fmt.Errorf("%w: %q", tracker.ErrUnknownFormat, format)
			}

			c, err := a.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			ids, err := c.EchoBenchmark(cmd.Context(), sizes, iterations, runs)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, id := range ids {
				run, _ := c.Benchmark().Run(id)
				fmt.Fprintf(w, "%s: %d samples, exec %.3fms, total %.3fms, network %.3fms\n",
					id,
					run.Stats.SamplesCount,
					run.Stats.AvgExecTime,
					run.Stats.AvgTotalLatency,
					run.Stats.AvgNetworkLatency,
				)
			}

			if out == "" {
				return nil
			}

			fl, err := os.Create(out)
			if err != nil {
				return err
			}
			defer fl.Close()
			if err := c.Benchmark().Export(fl, format); err != nil {
				return err
			}
			a.log.Info("Benchmark results written", "path", out, "format", format)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntSliceVar(&sizes, "sizes", client.DefaultEchoSizes(), "payload sizes in bytes")
	f.IntVarP(&iterations, "iterations", "n", client.DefaultEchoIterations, "requests per size")
	f.IntVar(&runs, "runs", client.DefaultEchoRuns, "number of benchmark runs")
	f.StringVarP(&out, "out", "o", "", "write results to this file")
	f.StringVar(&format, "format", "", "output format (json, csv); defaults to the file extension")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	var addr, wsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the demo methods (echo, add, subtract)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("ws-addr") {
				a.cfg.Server.WSAddr = wsAddr
			}

			fo, err := a.cfg.FrameOptions()
			if err != nil {
				return err
			}
			cdc, err := a.cfg.PayloadCodec()
			if err != nil {
				return err
			}

			s := server.New(
				server.WithCodec(cdc),
				server.WithFrame(fo),
				server.WithLogger(a.log),
				server.WithShortNames(),
			)
			defer s.Close()

			if err := s.Register(demo.Demo{Log: a.log}); err != nil {
				return err
			}
			demo.RegisterResponses(s.Handler(), a.log)

			ln, err := net.Listen("tcp", a.cfg.Server.Addr)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			n := 1
			errs := make(chan error, 2)
			go func() {
				errs <- s.Serve(ctx, ln)
			}()
			if a.cfg.Server.WSAddr != "" {
				n++
				go func() {
					errs <- s.ServeWS(ctx, a.cfg.Server.WSAddr)
				}()
			}

			// Stop the other listener as soon as one fails
			var serveErr error
			for i := 0; i < n; i++ {
				if err := <-errs; err != nil && serveErr == nil {
					serveErr = err
					cancel()
				}
			}
			return serveErr
		},
	}

	cmd.Flags().StringVar(&addr, "addr", config.Default().Server.Addr, "TCP listen address")
	cmd.Flags().StringVar(&wsAddr, "ws-addr", "", "WebSocket listen address (disabled if empty)")
	return cmd
}

func (a *app) gatewayCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Expose the LabVIEW peer over HTTP JSON-RPC 2.0",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.Gateway.Addr = addr
			}

			c, err := a.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			gw, err := gateway.New(c, c.Handler().Tracker(), a.log)
			if err != nil {
				return err
			}
			return gw.ListenAndServe(cmd.Context(), a.cfg.Gateway.Addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", config.Default().Gateway.Addr, "HTTP listen address")
	return cmd
}
