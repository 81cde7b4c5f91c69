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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/exp/slog"

	"go.arsenm.dev/lvrpc/client"
	"go.arsenm.dev/lvrpc/config"
	"go.arsenm.dev/lvrpc/internal/logging"
)

// app holds state shared by all commands
type app struct {
	configPath string
	flags      flagValues
	cfg        config.Config
	log        *slog.Logger
}

// flagValues holds the global flags. They override the
// configuration only when set explicitly.
type flagValues struct {
	host      string
	port      int
	codec     string
	byteOrder string
	timeout   time.Duration
	actor     bool
	envelope  string
	library   string
	priority  int
	logLevel  string
	logFormat string
}

func main() {
	a := &app{}
	root := a.rootCmd()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lvrpc",
		Short:         "Call LabVIEW actors and JSON-Message peers over TCP",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Flags())
		},
	}

	def := config.Default()
	pf := cmd.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a JSON configuration file")
	pf.StringVar(&a.flags.host, "host", def.Host, "LabVIEW host")
	pf.IntVarP(&a.flags.port, "port", "p", def.Port, "LabVIEW port")
	pf.StringVar(&a.flags.codec, "codec", def.Codec, "payload codec (json, msgpack)")
	pf.StringVar(&a.flags.byteOrder, "byte-order", def.ByteOrder, "frame header byte order (big, little)")
	pf.DurationVar(&a.flags.timeout, "timeout", def.Timeout, "call timeout")
	pf.BoolVar(&a.flags.actor, "actor", false, "wrap calls in an Actor Framework envelope")
	pf.StringVar(&a.flags.envelope, "envelope", def.Actor.Envelope, "actor envelope (flat, msgpack)")
	pf.StringVar(&a.flags.library, "library", "", "LabVIEW library holding the actor's message classes")
	pf.IntVar(&a.flags.priority, "priority", def.Actor.Priority, "actor message priority (0-3)")
	pf.StringVar(&a.flags.logLevel, "log-level", def.Log.Level, "log level (debug, info, warn, error)")
	pf.StringVar(&a.flags.logFormat, "log-format", def.Log.Format, "log format (text, json)")

	cmd.AddCommand(
		a.callCmd(),
		a.echoCmd(),
		a.benchCmd(),
		a.serveCmd(),
		a.gatewayCmd(),
		a.consoleCmd(),
	)
	return cmd
}

// setup loads the configuration, applies flags that were set
// explicitly and creates the logger
func (a *app) setup(fs *pflag.FlagSet) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	a.flags.apply(&cfg, fs)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	a.cfg = cfg
	a.log = log
	return nil
}

func (f flagValues) apply(cfg *config.Config, fs *pflag.FlagSet) {
	if fs.Changed("host") {
		cfg.Host = f.host
	}
	if fs.Changed("port") {
		cfg.Port = f.port
	}
	if fs.Changed("codec") {
		cfg.Codec = f.codec
	}
	if fs.Changed("byte-order") {
		cfg.ByteOrder = f.byteOrder
	}
	if fs.Changed("timeout") {
		cfg.Timeout = f.timeout
	}
	if fs.Changed("actor") {
		cfg.Actor.Enabled = f.actor
	}
	if fs.Changed("envelope") {
		cfg.Actor.Envelope = f.envelope
	}
	if fs.Changed("library") {
		cfg.Actor.Library = f.library
	}
	if fs.Changed("priority") {
		cfg.Actor.Priority = f.priority
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
}

// dial connects to the configured LabVIEW peer
func (a *app) dial(ctx context.Context) (*client.Client, error) {
	opts, err := a.cfg.ClientOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, client.WithLogger(a.log))
	return client.Dial(ctx, a.cfg.Addr(), opts...)
}
