// Copyright 2020 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command wsecho is a minimal echo server/client pair for manually
// smoke-testing the endpoint core (SPEC_FULL.md §3.12). It is ambient
// tooling, not part of the library's import graph.
//
// Usage:
//
//	wsecho -server -addr :8080
//	wsecho ws://localhost:8080/echo "hello there"
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/wsendpoint/ws"
	"github.com/wsendpoint/ws/internal/wslog"
)

func main() {
	server := flag.Bool("server", false, "run as an echo server instead of a client")
	addr := flag.String("addr", ":8080", "server: address to listen on")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	logger := wslog.NewStdLogger()
	logger.Verbose = *verbose

	if *server {
		runServer(*addr, logger)
		return
	}
	runClient(flag.Args(), logger)
}

func runServer(addr string, logger *wslog.StdLogger) {
	ln, err := ws.Listen(addr, ws.ServerOptions{Logger: logger})
	if err != nil {
		log.Fatalf("wsecho: listen: %v", err)
	}
	logger.Noticef("echo server listening on %s", ln.Addr())

	for {
		req, err := ln.Accept()
		if err != nil {
			logger.Errorf("accept: %v", err)
			return
		}
		go handleRequest(req, logger)
	}
}

func handleRequest(req *ws.Request, logger *wslog.StdLogger) {
	if !req.WantsUpgrade {
		_ = req.RespondPlainText(200, "wsecho: send a WebSocket upgrade request to this path")
		return
	}
	opts := ws.DefaultOptions()
	opts.Logger = logger
	ep, err := req.Upgrade("", nil, opts)
	if err != nil {
		logger.Warnf("upgrade from %s failed: %v", req.RemoteAddr, err)
		return
	}
	logger.Noticef("client %s connected", req.RemoteAddr)

	ctx := context.Background()
	for {
		ev, err := ep.Next(ctx)
		if err != nil {
			return
		}
		switch ev.Kind {
		case ws.EventText:
			ep.SendText(ctx, ev.Text, ws.CompressionAuto)
		case ws.EventBinary:
			ep.SendBinary(ctx, ev.Binary, ws.CompressionAuto)
		case ws.EventClose:
			logger.Noticef("client %s disconnected: %d %q clean=%v", req.RemoteAddr, ev.CloseCode, ev.CloseReason, ev.WasClean)
			return
		}
	}
}

func runClient(args []string, logger *wslog.StdLogger) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: wsecho <url> <message>")
		os.Exit(2)
	}
	url, message := args[0], args[1]

	opts := ws.DefaultOptions()
	opts.Logger = logger
	ep, err := ws.Dial(url, opts)
	if err != nil {
		log.Fatalf("wsecho: dial: %v", err)
	}

	ctx := context.Background()
	if !ep.SendText(ctx, message, ws.CompressionAuto) {
		log.Fatalf("wsecho: send failed")
	}

	for {
		ev, err := ep.Next(ctx)
		if err != nil {
			log.Fatalf("wsecho: %v", err)
		}
		switch ev.Kind {
		case ws.EventOpen:
			logger.Debugf("open: subprotocol=%q compression=%v", ev.Subprotocol, ev.CompressionAvailable)
		case ws.EventText:
			fmt.Println(ev.Text)
			ep.Close("")
		case ws.EventClose:
			return
		}
	}
}
