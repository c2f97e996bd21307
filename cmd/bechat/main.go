// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/bechat-go/corenet/endpoint"
	"github.com/bechat-go/corenet/metrics"
	"github.com/bechat-go/corenet/relay"
)

// VERSION is injected by buildflags, same convention as client/main.go.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "bechat"
	myApp.Usage = "peer-to-peer chat transport core"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{Name: "relayaddr, r", Value: "relay.example.com:7777", Usage: "rendezvous relay host:port"},
		cli.StringFlag{Name: "stunlist", Value: "", Usage: "URL of the STUN server list"},
		cli.StringFlag{Name: "appname", Value: "bechat", Usage: "application name; derives the wire ProtocolId"},
		cli.IntFlag{Name: "windowsize", Value: 5, Usage: "sliding window size W, must match the peer"},
		cli.IntFlag{Name: "dscp", Value: 0, Usage: "DSCP marking for UDP channel sockets, 0 to disable"},
		cli.BoolFlag{Name: "qpp", Usage: "enable per-datagram Quantum Permutation Pad obfuscation"},
		cli.StringFlag{Name: "qppkey", Value: "", EnvVar: "BECHAT_QPP_KEY", Usage: "shared QPP obfuscation key"},
		cli.StringFlag{Name: "tokenfile", Value: "bechat.token", Usage: "path to the persisted bearer token"},
		cli.StringFlag{Name: "passphrase", EnvVar: "BECHAT_PASSPHRASE", Usage: "passphrase protecting the token file at rest"},
		cli.StringFlag{Name: "log", Value: "", Usage: "redirect log output to this file"},
		cli.StringFlag{Name: "statslog", Value: "", Usage: "periodic CSV stats log path"},
		cli.IntFlag{Name: "statsperiod", Value: 0, Usage: "stats log interval in seconds, 0 to disable"},
		cli.StringFlag{Name: "c", Value: "", Usage: "JSON config file overriding the flags above"},
		cli.StringFlag{Name: "user, u", Value: "", Usage: "username for login/register"},
		cli.StringFlag{Name: "password, p", Value: "", Usage: "password for login/register"},
	}
	myApp.Action = run
	if err := myApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	config := Config{
		RelayAddr:   c.String("relayaddr"),
		StunListURL: c.String("stunlist"),
		AppName:     c.String("appname"),
		WindowSize:  c.Int("windowsize"),
		DSCP:        c.Int("dscp"),
		QPP:         c.Bool("qpp"),
		QPPKey:      c.String("qppkey"),
		TokenFile:   c.String("tokenfile"),
		Passphrase:  c.String("passphrase"),
		Log:         c.String("log"),
		StatsLog:    c.String("statslog"),
		StatsPeriod: c.Int("statsperiod"),
	}
	if path := c.String("c"); path != "" {
		if err := parseJSONConfig(&config, path); err != nil {
			return errors.Wrap(err, "load config file")
		}
	}

	if config.Log != "" {
		f, err := os.OpenFile(config.Log, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		log.SetOutput(f)
	}

	protocolID := endpoint.DeriveProtocolID(config.AppName)
	log.Printf("bechat starting: relay=%s appname=%s protocolid=%d", config.RelayAddr, config.AppName, protocolID)

	stats := metrics.New()
	if config.StatsPeriod > 0 {
		go metrics.Logger(config.StatsLog, time.Duration(config.StatsPeriod)*time.Second, stats)
	}
	installSigHandler(stats)

	tokens := NewTokenStore(config.TokenFile, config.Passphrase)
	token, err := tokens.Load()
	if err != nil {
		color.Yellow("warning: could not load persisted token: %v", err)
	}

	ctx := context.Background()
	client, err := relay.Connect(ctx, config.RelayAddr)
	if err != nil {
		return errors.Wrap(err, "connect to relay")
	}
	defer client.Close()

	var result relay.LoginResult
	if token != "" {
		result, err = client.AutoLogin(token)
	}
	if token == "" || err != nil {
		user, password := c.String("user"), c.String("password")
		if user == "" {
			return errors.New("no persisted token and no -user supplied")
		}
		result, err = client.Login(user, password)
	}
	if err != nil {
		return errors.Wrap(err, "login")
	}
	if err := tokens.Save(result.Token); err != nil {
		color.Yellow("warning: could not persist token: %v", err)
	}

	log.Printf("logged in as %s (id=%s)", result.User, result.ID)
	select {} // the relay's background receive loop and any active channels keep the process alive
}
