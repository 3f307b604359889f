package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-speak/internal/bus"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/driver"
	"github.com/loqalabs/loqa-speak/internal/llm"
	"github.com/loqalabs/loqa-speak/internal/transport"
)

var version = "0.1.0-dev"

const usage = "usage: speak [-config file] <say|status|save|reset|version> [args]"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if args[0] == "version" {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Telemetry.Level()}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, args[0], args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, cmd string, args []string) error {
	switch cmd {
	case "say", "status", "save", "reset":
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	// The CLI always dials the configured servers; an embedded daemon
	// listens on the first of them.
	busClient, err := bus.Connect(cfg.Bus, "speak-cli", "", logger)
	if err != nil {
		return err
	}
	defer busClient.Close()
	client := transport.NewClient(busClient.Conn(), time.Duration(cfg.Bus.RequestTimeout)*time.Millisecond)

	switch cmd {
	case "say":
		return runSay(ctx, cfg, logger, client, args)
	case "status":
		status, err := client.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(status)
	case "save":
		result, err := client.Save(ctx)
		if err != nil {
			return err
		}
		return printJSON(result)
	default:
		if err := client.Reset(ctx); err != nil {
			return err
		}
		fmt.Println("response reset")
		return nil
	}
}

func runSay(ctx context.Context, cfg config.Config, logger *slog.Logger, client *transport.Client, args []string) error {
	sayCmd := flag.NewFlagSet("say", flag.ExitOnError)
	model := sayCmd.String("model", cfg.LLM.Model, "LLM model to stream from")
	mode := sayCmd.String("llm", cfg.LLM.Mode, "LLM backend (mock|ollama|exec|openai)")
	quiet := sayCmd.Bool("quiet", false, "Do not echo the streamed text")
	if err := sayCmd.Parse(args); err != nil {
		return err
	}
	prompt := strings.TrimSpace(strings.Join(sayCmd.Args(), " "))
	if prompt == "" {
		return fmt.Errorf("say needs a prompt")
	}

	cfg.LLM.Mode = *mode
	cfg.LLM.Model = *model
	gen, err := llm.New(cfg.LLM)
	if err != nil {
		return err
	}

	d := driver.New(client, cfg.Driver, logger)
	onDelta := func(delta string) {
		if !*quiet {
			fmt.Print(delta)
		}
	}
	result, err := d.Speak(ctx, gen, llm.RequestFromConfig(cfg.LLM, prompt), onDelta)
	if !*quiet {
		fmt.Println()
	}
	if err != nil {
		return err
	}
	if result.Path == "" {
		fmt.Println("nothing to speak")
		return nil
	}
	return printJSON(result)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
