// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// tether-ctl is a command-line client for a running tether server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/wingedpig/tether/pkg/client"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: tether-ctl [flags] <command> [args]

Commands:
  projects                     List projects
  sessions [project-id]        List sessions, optionally for one project
  inbox                        Show the categorized inbox
  start <project-id> <text>    Start a session with an initial message
  send <session-id> <text>     Queue a message on a session
  mode <session-id> <mode>     Change the permission mode
  approve <session-id> <req>   Approve a pending tool request
  deny <session-id> <req>      Deny a pending tool request
  watch <session-id>           Stream a session's events

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	var (
		url      string
		identity string
		password string
		timeout  time.Duration
	)
	flag.StringVar(&url, "url", "ws://localhost:4020/ws", "Relay endpoint")
	flag.StringVar(&identity, "user", "admin", "Login username")
	flag.StringVar(&password, "password", os.Getenv("TETHER_PASSWORD"), "Login password (or TETHER_PASSWORD)")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c := client.New(url, identity, password)
	if err := c.Connect(ctx); err != nil {
		fatal(err)
	}
	defer c.Close()

	if err := run(ctx, c, flag.Args()); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func run(ctx context.Context, c *client.Client, args []string) error {
	switch args[0] {
	case "projects":
		var out []map[string]interface{}
		if err := c.Request(ctx, "GET", "/projects", nil, &out); err != nil {
			return err
		}
		return dump(out)

	case "sessions":
		path := "/sessions"
		if len(args) > 1 {
			path += "?project=" + args[1]
		}
		var out []map[string]interface{}
		if err := c.Request(ctx, "GET", path, nil, &out); err != nil {
			return err
		}
		return dump(out)

	case "inbox":
		var out map[string]interface{}
		if err := c.Request(ctx, "GET", "/inbox", nil, &out); err != nil {
			return err
		}
		return dump(out)

	case "start":
		if len(args) < 3 {
			return fmt.Errorf("usage: start <project-id> <text>")
		}
		var out map[string]interface{}
		body := map[string]string{"message": args[2]}
		if err := c.Request(ctx, "POST", "/projects/"+args[1]+"/sessions", body, &out); err != nil {
			return err
		}
		return dump(out)

	case "send":
		if len(args) < 3 {
			return fmt.Errorf("usage: send <session-id> <text>")
		}
		var out map[string]interface{}
		body := map[string]string{"message": args[2]}
		if err := c.Request(ctx, "POST", "/sessions/"+args[1]+"/messages", body, &out); err != nil {
			return err
		}
		return dump(out)

	case "mode":
		if len(args) < 3 {
			return fmt.Errorf("usage: mode <session-id> <mode>")
		}
		var out map[string]interface{}
		if err := c.Request(ctx, "PUT", "/sessions/"+args[1]+"/mode", map[string]string{"mode": args[2]}, &out); err != nil {
			return err
		}
		return dump(out)

	case "approve", "deny":
		if len(args) < 3 {
			return fmt.Errorf("usage: %s <session-id> <request-id>", args[0])
		}
		response := "approve"
		if args[0] == "deny" {
			response = "deny"
		}
		var out map[string]interface{}
		body := map[string]string{"requestId": args[2], "response": response}
		if err := c.Request(ctx, "POST", "/sessions/"+args[1]+"/input", body, &out); err != nil {
			return err
		}
		return dump(out)

	case "watch":
		if len(args) < 2 {
			return fmt.Errorf("usage: watch <session-id>")
		}
		events, cancel, err := c.Subscribe(context.Background(), "session", args[1])
		if err != nil {
			return err
		}
		defer cancel()
		for ev := range events {
			fmt.Printf("[%d] %s %s\n", ev.EventID, ev.EventType, string(ev.Data))
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func dump(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
