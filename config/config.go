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

// Package config loads lvrpc settings from a JSON file and the
// environment, fills in defaults and validates the result
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"go.arsenm.dev/lvrpc/actor"
	"go.arsenm.dev/lvrpc/client"
	"go.arsenm.dev/lvrpc/codec"
	"go.arsenm.dev/lvrpc/frame"
	"go.arsenm.dev/lvrpc/internal/reflectutil"
)

// EnvPrefix is the prefix of environment variables read by Load.
// Nested keys are separated by a double underscore, for example
// LVRPC_ACTOR__LIBRARY sets actor.library.
const EnvPrefix = "LVRPC_"

var ErrInvalid = errors.New("invalid configuration")

// Config holds all lvrpc settings
type Config struct {
	Host         string        `json:"host" validate:"required"`
	Port         int           `json:"port" validate:"min=1,max=65535"`
	Codec        string        `json:"codec" validate:"oneof=json msgpack"`
	ByteOrder    string        `json:"byte_order" validate:"oneof=big little"`
	Trailer      bool          `json:"trailer"`
	MaxFrameSize uint32        `json:"max_frame_size"`
	Timeout      time.Duration `json:"timeout"`
	MaxRetries   int           `json:"max_retries" validate:"min=1"`
	RetryDelay   time.Duration `json:"retry_delay"`
	NoDelay      bool          `json:"no_delay"`

	Actor   Actor   `json:"actor"`
	Log     Log     `json:"log"`
	Server  Server  `json:"server"`
	Gateway Gateway `json:"gateway"`
}

// Actor configures the actor envelope used by RPC calls
type Actor struct {
	Enabled  bool   `json:"enabled"`
	Envelope string `json:"envelope" validate:"oneof=flat msgpack"`
	Library  string `json:"library"`
	Name     string `json:"name"`
	Priority int    `json:"priority" validate:"min=0,max=3"`
}

// Log configures logging
type Log struct {
	Level  string `json:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" validate:"oneof=text json"`
}

// Server configures the Go-side server
type Server struct {
	Addr   string `json:"addr" validate:"required"`
	WSAddr string `json:"ws_addr"`
}

// Gateway configures the HTTP JSON-RPC gateway
type Gateway struct {
	Addr string `json:"addr" validate:"required"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         6363,
		Codec:        codec.Default.Name(),
		ByteOrder:    "big",
		Trailer:      true,
		MaxFrameSize: frame.DefaultMaxSize,
		Timeout:      client.DefaultTimeout,
		MaxRetries:   client.DefaultMaxRetries,
		RetryDelay:   client.DefaultRetryDelay,
		NoDelay:      true,
		Actor: Actor{
			Envelope: "flat",
			Priority: int(actor.DefaultPriority),
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Server: Server{
			Addr: ":6363",
		},
		Gateway: Gateway{
			Addr: ":8080",
		},
	}
}

// Load returns the default configuration, overridden by the JSON file
// at path (if path is not empty) and then by the environment
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := decodeJSON(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg, os.Environ()); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// decodeJSON decodes data over cfg, keeping values that data does
// not set. Durations may be given as strings such as "1.5s".
func decodeJSON(data []byte, cfg *Config) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	return reflectutil.Decode(m, cfg)
}

// ApplyEnv overrides cfg with variables from environ, given
// as "KEY=value" pairs, that start with EnvPrefix
func ApplyEnv(cfg *Config, environ []string) error {
	vars := map[string]any{}

	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}

		path := strings.Split(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__")
		setPath(vars, path, val)
	}

	if len(vars) == 0 {
		return nil
	}
	if err := reflectutil.Decode(vars, cfg); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

func setPath(m map[string]any, path []string, val string) {
	for _, key := range path[:len(path)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[key] = next
		}
		m = next
	}
	m[path[len(path)-1]] = val
}

// Validate checks every field against its constraints
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Addr returns the address of the LabVIEW peer
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// FrameOptions returns the framing options described by c
func (c Config) FrameOptions() (frame.Options, error) {
	order, err := frame.ParseOrder(c.ByteOrder)
	if err != nil {
		return frame.Options{}, err
	}
	return frame.Options{
		Order:   order,
		Trailer: c.Trailer,
		MaxSize: c.MaxFrameSize,
	}, nil
}

// PayloadCodec returns the codec named by c
func (c Config) PayloadCodec() (codec.Codec, error) {
	return codec.ByName(c.Codec)
}

// Envelope returns the actor envelope described by c, or nil
// if actor messaging is disabled
func (c Config) Envelope() (actor.Envelope, error) {
	if !c.Actor.Enabled {
		return nil, nil
	}
	prio := actor.Priority(c.Actor.Priority)
	return actor.New(actor.Config{
		Envelope: c.Actor.Envelope,
		Library:  c.Actor.Library,
		Actor:    c.Actor.Name,
		Priority: &prio,
	})
}

// ClientOptions returns the client options described by c
func (c Config) ClientOptions() ([]client.Option, error) {
	fo, err := c.FrameOptions()
	if err != nil {
		return nil, err
	}
	cdc, err := c.PayloadCodec()
	if err != nil {
		return nil, err
	}
	env, err := c.Envelope()
	if err != nil {
		return nil, err
	}

	opts := []client.Option{
		client.WithFrame(fo),
		client.WithCodec(cdc),
		client.WithTimeout(c.Timeout),
		client.WithRetries(c.MaxRetries, c.RetryDelay),
		client.WithNoDelay(c.NoDelay),
	}
	if env != nil {
		opts = append(opts, client.WithEnvelope(env))
	}
	return opts, nil
}
