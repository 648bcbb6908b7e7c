package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	op := os.Args[1]
	switch op {
	case "version":
		fmt.Println(version)
		return
	case protocol.OpInitialize, protocol.OpStart, protocol.OpStop, protocol.OpCancel, protocol.OpStatus, protocol.OpEmit:
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", op)
		usage()
		os.Exit(2)
	}

	var (
		configPath string
		server     string
		text       string
		final      bool
		timeout    time.Duration
	)
	fs := flag.NewFlagSet(op, flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file (bus settings)")
	fs.StringVar(&server, "server", "", "NATS server URL, overrides config")
	fs.StringVar(&text, "text", "", "Text to inject (emit only)")
	fs.BoolVar(&final, "final", false, "Mark the injected text final (emit only)")
	fs.DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	_ = fs.Parse(os.Args[2:])

	reply, err := run(op, configPath, server, protocol.ControlRequest{
		RequestID: uuid.NewString(),
		Text:      text,
		Final:     final,
	}, timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(reply, "", "  ")
	fmt.Println(string(out))
	if reply.Error != "" {
		os.Exit(3)
	}
}

func run(op, configPath, server string, req protocol.ControlRequest, timeout time.Duration) (protocol.ControlReply, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return protocol.ControlReply{}, err
		}
		cfg = loaded
	}
	if server != "" {
		cfg.Bus.Servers = []string{server}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return protocol.ControlReply{}, err
	}
	defer client.Close()

	var reply protocol.ControlReply
	if err := client.RequestJSON(ctx, protocol.SubjectControlPrefix+"."+op, req, &reply); err != nil {
		return protocol.ControlReply{}, err
	}
	return reply, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: scribectl <initialize|start|stop|cancel|status|emit|version> [flags]")
}
