// Copyright © 2021 Kris Nóva <kris@nivenly.com>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// ────────────────────────────────────────────────────────────────────────────
//
//  ███████╗██╗      █████╗ ███████╗██╗  ██╗██████╗
//  ██╔════╝██║     ██╔══██╗██╔════╝██║  ██║██╔══██╗
//  █████╗  ██║     ███████║███████╗███████║██║  ██║
//  ██╔══╝  ██║     ██╔══██║╚════██║██╔══██║██║  ██║
//  ██║     ███████╗██║  ██║███████║██║  ██║██████╔╝
//  ╚═╝     ╚══════╝╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝╚═════╝
//
// ────────────────────────────────────────────────────────────────────────────

package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kris-nova/flashd"
	"github.com/kris-nova/flashd/rtmp"
	"github.com/kris-nova/logger"
	"github.com/urfave/cli/v2"
)

func main() {
	flashd.PrintBanner()
	err := RunWithOptions(instanceOptions)
	if err != nil {
		logger.Critical("%v", err)
		os.Exit(1)
	}
	os.Exit(0)
}

type RuntimeOptions struct {
}

var instanceOptions = &RuntimeOptions{}

// Global Flags
var (

	// verbose sets log verbosity and traces every message
	verbose bool

	// debug enables debug logging
	debug bool

	globalFlags = []cli.Flag{
		&cli.BoolFlag{
			Name:        "verbose",
			Aliases:     []string{"v"},
			Value:       false,
			Usage:       "toggle verbose mode for logger, display all traffic",
			Destination: &verbose,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Aliases:     []string{"d"},
			Value:       false,
			Usage:       "enable debug logging",
			Destination: &debug,
		},
	}
)

// serverFlags maps every flag of the server command to its config key.
var serverFlags = []struct {
	flag cli.Flag
	key  string
}{
	{&cli.StringFlag{Name: "host", Aliases: []string{"i"}, Value: "0.0.0.0", Usage: "listening IP address"}, "host"},
	{&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: rtmp.DefaultPort, Usage: "listening port number"}, "port"},
	{&cli.StringFlag{Name: "root", Aliases: []string{"r"}, Value: "./", Usage: "document root for recorded and played files"}, "root"},
	{&cli.BoolFlag{Name: "recording", Aliases: []string{"k"}, Usage: "keep live streams as flv files under root"}, "recording"},
	{&cli.IntFlag{Name: "max-conns", Usage: "maximum concurrent connections, 0 is unlimited"}, "max_conns"},
	{&cli.StringFlag{Name: "metrics-addr", Usage: "address for /metrics, /healthz and /api/streams"}, "metrics_addr"},
	{&cli.StringFlag{Name: "redis-addr", Usage: "redis address to announce live streams to"}, "redis_addr"},
	{&cli.StringFlag{Name: "redis-pwd", Usage: "redis password"}, "redis_pwd"},
	{&cli.IntFlag{Name: "redis-db", Usage: "redis database"}, "redis_db"},
	{&cli.DurationFlag{Name: "announce-ttl", Value: 30 * time.Second, Usage: "expiry of announced stream keys"}, "announce_ttl"},
	{&cli.DurationFlag{Name: "index-cache-ttl", Value: 5 * time.Minute, Usage: "how long flv seek indexes are cached"}, "index_cache_ttl"},
	{&cli.IntFlag{Name: "write-queue-size", Value: 1024, Usage: "outbound messages buffered per connection"}, "write_queue_size"},
	{&cli.IntFlag{Name: "stream-queue-size", Value: 1024, Usage: "inbound messages buffered per stream"}, "stream_queue_size"},
	{&cli.DurationFlag{Name: "read-timeout", Usage: "read deadline per message, 0 disables"}, "read_timeout"},
	{&cli.DurationFlag{Name: "write-timeout", Usage: "write deadline per message, 0 disables"}, "write_timeout"},
}

func RunWithOptions(opt *RuntimeOptions) error {

	// cli assumes "-v" for version.
	// override that here
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "Print the version",
	}

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "config file (yaml, json or toml)",
		},
	}
	for _, f := range serverFlags {
		flags = append(flags, f.flag)
	}

	// ********************************************************
	// [ Flashd Application ]
	// ********************************************************

	app := &cli.App{
		Name:      "flashd",
		Usage:     "RTMP server to record and stream Flash video.",
		UsageText: ``,
		Version:   flashd.Version,
		Action: func(context *cli.Context) error {
			cli.ShowSubcommandHelp(context)
			return nil
		},
		Flags: globalFlags,
		Commands: []*cli.Command{

			// ********************************************************
			// [ server ]
			// ********************************************************

			{
				Name:      "server",
				Aliases:   []string{"s"},
				Usage:     "Run the RTMP server in the foreground.",
				UsageText: ``,
				Flags:     allFlags(flags),
				Action: func(c *cli.Context) error {
					v, err := rtmp.NewConfig(c.String("config"))
					if err != nil {
						return err
					}
					for _, f := range serverFlags {
						name := f.flag.Names()[0]
						if c.IsSet(name) {
							v.Set(f.key, c.Value(name))
						}
					}
					if c.IsSet("verbose") {
						v.Set("verbose", verbose)
					}
					if c.IsSet("debug") {
						v.Set("debug", debug)
					}
					cfg, err := rtmp.DecodeConfig(v)
					if err != nil {
						return err
					}
					verbose, debug = cfg.Verbose, cfg.Debug
					allInit()

					d := flashd.NewDaemon(cfg)
					d.SigHandler()
					return d.Run()
				},
			},

			// ********************************************************
			// [ publish ]
			// ********************************************************

			{
				Name:      "publish",
				Aliases:   []string{"pub"},
				Usage:     "Publish an flv file to a server in real time.",
				UsageText: `flashd publish <rtmp://host:port/app/name> <file.flv>`,
				Flags: allFlags([]cli.Flag{
					&cli.BoolFlag{
						Name:  "loop",
						Usage: "restart the file at the end",
					},
				}),
				Action: func(c *cli.Context) error {
					allInit()
					args := c.Args()
					if args.Len() != 2 {
						return fmt.Errorf("usage: flashd publish <rtmp://host:port/app/name> <file.flv>")
					}
					return publishFile(args.Get(0), args.Get(1), c.Bool("loop"))
				},
			},

			// ********************************************************
			// [ play ]
			// ********************************************************

			{
				Name:      "play",
				Usage:     "Play a stream and report what arrives.",
				UsageText: `flashd play <rtmp://host:port/app/name>`,
				Flags: allFlags([]cli.Flag{
					&cli.Float64Flag{
						Name:  "start",
						Value: -2,
						Usage: "-2 live or recorded, -1 live only, >= 0 recorded from ms",
					},
					&cli.DurationFlag{
						Name:  "duration",
						Usage: "stop after this long, 0 plays until the stream ends",
					},
				}),
				Action: func(c *cli.Context) error {
					allInit()
					args := c.Args()
					if args.Len() != 1 {
						return fmt.Errorf("usage: flashd play <rtmp://host:port/app/name>")
					}
					return playStream(args.Get(0), c.Float64("start"), c.Duration("duration"))
				},
			},
		},
	}

	app.Flags = globalFlags
	return app.Run(os.Args)
}

func publishFile(url, path string, loop bool) error {
	client, err := rtmp.Dial(url)
	if err != nil {
		return fmt.Errorf("unable to dial %s: %v", url, err)
	}
	defer client.Close()
	if err := client.Publish(); err != nil {
		return fmt.Errorf("unable to publish: %v", err)
	}
	logger.Always("Publishing %s to %s", path, client.Addr().StreamURL())

	var offset uint32
	for {
		last, err := publishOnce(client, path, offset)
		if err != nil {
			return err
		}
		if !loop {
			logger.Success("Published %s", path)
			return nil
		}
		offset = last + 1
	}
}

// publishOnce sends every tag of path shifted by offset, paced by the tag
// timestamps, and returns the last timestamp sent.
func publishOnce(client *rtmp.Client, path string, offset uint32) (uint32, error) {
	f, err := rtmp.OpenFLV(path, rtmp.ModePlay)
	if err != nil {
		return 0, fmt.Errorf("unable to open %s: %v", path, err)
	}
	defer f.Close()

	var (
		start time.Time
		first uint32
		last  = offset
		begun bool
	)
	for {
		msg, err := f.ReadNext()
		if err == io.EOF {
			return last, nil
		}
		if err != nil {
			return last, err
		}
		if !begun {
			start, first, begun = time.Now(), msg.Time, true
		}
		if msg.Time > first {
			time.Sleep(time.Until(start.Add(time.Duration(msg.Time-first) * time.Millisecond)))
		}
		msg.Time += offset
		if err := client.WriteMessage(msg); err != nil {
			return last, fmt.Errorf("write: %v", err)
		}
		last = msg.Time
	}
}

func playStream(url string, start float64, duration time.Duration) error {
	client, err := rtmp.Dial(url)
	if err != nil {
		return fmt.Errorf("unable to dial %s: %v", url, err)
	}
	defer client.Close()
	if err := client.PlayFrom(start); err != nil {
		return fmt.Errorf("unable to play: %v", err)
	}
	logger.Always("Playing %s", client.Addr().StreamURL())

	var deadline time.Time
	if duration > 0 {
		deadline = time.Now().Add(duration)
		client.SetReadDeadline(deadline)
	}
	counts := make(map[string]int)
	report := time.Now()
	for {
		msg, err := client.ReadMessage()
		if err != nil {
			if !deadline.IsZero() && time.Now().After(deadline) {
				logger.Success("Played %s for %v: %v", client.Addr().Name(), duration, counts)
				return nil
			}
			return err
		}
		counts[rtmp.TypeName(msg.Type)]++
		if time.Since(report) > time.Second {
			logger.Info("%s: %v", client.Addr().Name(), counts)
			report = time.Now()
		}
		if msg.Type == rtmp.TypeRPC || msg.Type == rtmp.TypeRPC3 {
			cmd, err := rtmp.CommandFromMessage(msg)
			if err == nil {
				logger.Info("%s", cmd)
				if cmd.StatusCode() == "NetStream.Play.Stop" {
					logger.Success("Played %s: %v", client.Addr().Name(), counts)
					return nil
				}
			}
		}
	}
}

func allInit() {
	switch {
	case verbose:
		logger.BitwiseLevel = logger.LogEverything
		rtmp.SetTrace(true)
		logger.Info("VERBOSE MODE ENABLED")
	case debug:
		logger.BitwiseLevel = logger.LogAlways | logger.LogCritical | logger.LogDeprecated | logger.LogSuccess | logger.LogWarning | logger.LogInfo | logger.LogDebug
	default:
		logger.BitwiseLevel = logger.LogAlways | logger.LogCritical | logger.LogDeprecated | logger.LogSuccess | logger.LogWarning | logger.LogInfo
	}
}

func allFlags(flags []cli.Flag) []cli.Flag {
	return append(globalFlags, flags...)
}
