// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/wingedpig/tether/internal/app"
	"github.com/wingedpig/tether/internal/config"
	"github.com/wingedpig/tether/internal/srp"
)

var version = "0.9"

func main() {
	// Check for subcommands before flag parsing
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			if err := runInit(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			os.Exit(0)
		case "adduser":
			if err := runAddUser(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			os.Exit(0)
		}
	}

	var (
		configPath  string
		host        string
		port        int
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.StringVar(&host, "host", "", "Listen host (overrides config)")
	flag.IntVar(&port, "port", 0, "Listen port (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.Parse()

	if showVersion {
		fmt.Printf("tether %s\n", version)
		os.Exit(0)
	}

	if configPath == "" {
		loader := config.NewLoader()
		found, err := loader.FindConfig()
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		configPath = found
	}
	log.Printf("Using config: %s", configPath)

	application, err := app.New(app.Options{
		ConfigPath: configPath,
		Host:       host,
		Port:       port,
		Version:    version,
	})
	if err != nil {
		log.Fatalf("Failed to create app: %v", err)
	}

	if err := application.Run(context.Background()); err != nil {
		log.Fatalf("App error: %v", err)
	}
}

// runInit creates a commented tether.hjson in the current directory.
func runInit() error {
	configFile := config.DefaultFileName
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("%s already exists; remove it first or use a different directory", configFile)
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Tether Configuration Setup")
	fmt.Println("==========================")
	fmt.Println()
	fmt.Println("Press Enter to accept defaults shown in [brackets].")
	fmt.Println()

	portStr := prompt(reader, "Server port", "4020")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 4020
	}

	dataDir := prompt(reader, "Data directory", ".tether")
	username := prompt(reader, "Login username", "admin")

	fmt.Print("Login password: ")
	password, err := readPassword()
	if err != nil {
		return err
	}

	credsPath := filepath.Join(dataDir, "credentials.json")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := srp.WriteCredential(credsPath, username, password); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}

	content := generateConfig(port, dataDir)
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	fmt.Println()
	fmt.Printf("Created %s and %s\n", configFile, credsPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review and edit " + configFile + " as needed")
	fmt.Println("  2. Run: ./tether")
	fmt.Printf("  3. Connect to ws://localhost:%d/ws\n", port)
	return nil
}

// runAddUser provisions or replaces one SRP credential.
func runAddUser(args []string) error {
	fs := flag.NewFlagSet("adduser", flag.ExitOnError)
	credsPath := fs.String("credentials", filepath.Join(".tether", "credentials.json"), "Path to credentials file")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: tether adduser [-credentials path] <username>")
	}
	username := fs.Arg(0)

	fmt.Printf("Password for %s: ", username)
	password, err := readPassword()
	if err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("empty password")
	}

	if err := srp.WriteCredential(*credsPath, username, password); err != nil {
		return err
	}
	fmt.Printf("Credential for %s written to %s\n", username, *credsPath)
	return nil
}

// readPassword reads a password without echo when stdin is a terminal.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		data, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	fmt.Printf("%s [%s]: ", question, defaultVal)
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func generateConfig(port int, dataDir string) string {
	var sb strings.Builder
	sb.WriteString(`{
  // =============================================================================
  // Tether Configuration
  // =============================================================================
  //
  // This is an HJSON file (JSON with comments and relaxed syntax).

  server: {
    // Host to bind to (use "0.0.0.0" to allow remote access)
    host: "127.0.0.1"
    port: `)
	sb.WriteString(strconv.Itoa(port))
	sb.WriteString(`

    // For HTTPS, set paths to your certificates:
    // tls_cert: "~/.tether/cert.pem"
    // tls_key: "~/.tether/key.pem"
    //
    // Or serve TLS with certificates from the local tailscaled:
    // tls_tailscale: true

    // Browser origins beyond localhost and the private LAN:
    // allowed_origins: ["https://tether.example.com"]
  }

  agent: {
    // The agent CLI to supervise
    provider: "claude"
    // command: "/usr/local/bin/claude"
    // model: "opus"

    // Idle processes stay warm this long before eviction
    idle_grace: "30s"

    // A session file quiet for this long stops counting as external
    external_quiet: "5s"
  }

  paths: {
    session_dir: "`)
	sb.WriteString(dataDir + `/sessions`)
	sb.WriteString(`"
    metadata_dir: "`)
	sb.WriteString(dataDir + `/metadata`)
	sb.WriteString(`"
    index_dir: "`)
	sb.WriteString(dataDir + `/index`)
	sb.WriteString(`"
    upload_dir: "`)
	sb.WriteString(dataDir + `/uploads`)
	sb.WriteString(`"
  }

  auth: {
    credentials_file: "`)
	sb.WriteString(dataDir + `/credentials.json`)
	sb.WriteString(`"
    // How long a dropped client may resume without a full handshake
    session_ttl: "24h"
  }

  upload: {
    // 0 = unlimited
    max_bytes: 104857600
  }
}
`)
	return sb.String()
}
