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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"go.arsenm.dev/lvrpc/client"
	"go.arsenm.dev/lvrpc/tracker"
)

const consoleHelp = `Commands:
  call <method> [params]     call a method and wait for the response
  send <method> [params]     send a request without waiting
  notify <method> [params]   send a notification
  echo [text]                send an echo request ("test" by default)
  stats                      show local tracker statistics
  remote-stats               show the server's tracker statistics
  pending                    check for timed out and pending requests
  introspect                 list the server's methods
  bench start [id]           start a benchmark run
  bench stop [id]            stop a benchmark run
  bench list                 list benchmark runs
  bench export <file> [fmt]  export benchmark runs (json, csv)
  help                       show this help
  quit                       exit the console
`

var errQuit = errors.New("quit")

func (a *app) consoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive console for a LabVIEW peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			con := console{c: c, out: cmd.OutOrStdout()}
			return con.run(cmd.Context(), cmd.InOrStdin())
		},
	}
}

type console struct {
	c   *client.Client
	out io.Writer
}

func (con console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Fprint(con.out, consoleHelp)
	for {
		fmt.Fprint(con.out, "> ")

		var line string
		select {
		case <-ctx.Done():
			return nil
		case <-con.c.Done():
			return errors.New("connection closed")
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}

		err := con.exec(ctx, line)
		if errors.Is(err, errQuit) {
			return nil
		} else if err != nil {
			fmt.Fprintln(con.out, "error:", err)
		}
	}
}

// splitCommand splits a line into its command, first argument
// and the rest of the line
func splitCommand(line string) (cmd, arg, rest string) {
	cmd, rest, _ = strings.Cut(strings.TrimSpace(line), " ")
	arg, rest, _ = strings.Cut(strings.TrimSpace(rest), " ")
	return cmd, arg, strings.TrimSpace(rest)
}

func (con console) exec(ctx context.Context, line string) error {
	cmd, arg, rest := splitCommand(line)

	switch cmd {
	case "":
		return nil
	case "help":
		fmt.Fprint(con.out, consoleHelp)
	case "quit", "exit":
		return errQuit
	case "call", "send":
		if arg == "" {
			return fmt.Errorf("usage: %s <method> [params]", cmd)
		}
		params, err := parseParams(rest)
		if err != nil {
			return err
		}
		resp, err := con.c.RPC(ctx, arg, params, cmd == "call")
		if err != nil {
			return err
		}
		return printResponse(con.out, resp)
	case "notify":
		if arg == "" {
			return errors.New("usage: notify <method> [params]")
		}
		params, err := parseParams(rest)
		if err != nil {
			return err
		}
		return con.c.Notify(ctx, arg, params)
	case "echo":
		text := strings.TrimSpace(arg + " " + rest)
		if text == "" {
			text = defaultEchoText
		}
		resp, err := con.c.Echo(ctx, text)
		if err != nil {
			return err
		}
		return printResponse(con.out, resp)
	case "stats":
		return con.printJSON(con.c.Handler().Tracker().Stats())
	case "remote-stats":
		stats, err := con.c.Stats(ctx)
		if err != nil {
			return err
		}
		return con.printJSON(stats)
	case "pending":
		return con.printJSON(con.c.Handler().Tracker().Check())
	case "introspect":
		methods, err := con.c.Introspect(ctx)
		if err != nil {
			return err
		}
		return con.printJSON(methods)
	case "bench":
		return con.bench(arg, rest)
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

func (con console) bench(sub, rest string) error {
	b := con.c.Benchmark()

	switch sub {
	case "start":
		fmt.Fprintln(con.out, "started", b.Start(rest))
	case "stop":
		stats, err := b.Stop(rest)
		if err != nil {
			return err
		}
		return con.printJSON(stats)
	case "list":
		for _, id := range b.Runs() {
			run, _ := b.Run(id)
			fmt.Fprintf(con.out, "%s\t%d samples\n", id, run.Stats.SamplesCount)
		}
	case "export":
		path, format, _ := strings.Cut(rest, " ")
		if path == "" {
			return errors.New("usage: bench export <file> [json|csv]")
		}
		if format == "" {
			format = tracker.FormatJSON
		}
		fl, err := os.Create(path)
		if err != nil {
			return err
		}
		defer fl.Close()
		return b.Export(fl, format)
	default:
		return errors.New("usage: bench start|stop|list|export")
	}
	return nil
}

func (con console) printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(con.out, string(out))
	return nil
}
