package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/mbenali/shopmate/internal/catalog"
	"github.com/mbenali/shopmate/internal/llm"
	"github.com/mbenali/shopmate/internal/state"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx := context.Background()

	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "ingest":
			if err := runIngestCommand(ctx, args[1:]); err != nil {
				log.Fatalf("ingest command failed: %v", err)
			}
			return
		case "watch":
			if err := runWatchCommand(ctx, args[1:]); err != nil {
				log.Fatalf("watch command failed: %v", err)
			}
			return
		case "run":
			if err := runOnceCommand(ctx, args[1:]); err != nil {
				log.Fatalf("run command failed: %v", err)
			}
			return
		case "chat":
			args = args[1:]
		}
	}

	if err := runChatCommand(ctx, args); err != nil {
		log.Fatalf("command failed: %v", err)
	}
}

func runChatCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory (default: ./.shopmate)")
	sessionID := fs.String("session", "default", "Session id to resume or create")

	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	st, err := env.Sessions.LoadOrCreate(ctx, *sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", *sessionID, err)
	}

	log.Printf("🛍️  Session %s ready (turn %d). Type /help for commands.", st.SessionID, st.TurnID)

	s := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !s.Scan() {
			break
		}
		line := s.Text()
		if line == "" {
			continue
		}

		switch line {
		case "/exit", "/quit":
			return nil
		case "/help":
			printHelp()
			continue
		case "/state":
			printState(st)
			continue
		}

		updated, decision, err := env.Orchestrator.Turn(ctx, st, line)
		if err != nil {
			if llm.IsFatal(err) {
				log.Printf("⚠️  turn failed, session unchanged: %v", err)
				fmt.Println("Sorry, something went wrong on my side. Could you try that again?")
			} else {
				log.Printf("error: %v", err)
			}
			continue
		}
		st = updated

		fmt.Printf("\nshopmate (%s)> %s\n\n", decision.SelectedAct, decision.SelectedResponse)
	}
	return s.Err()
}

// runOnceCommand processes a single turn and prints the chosen response.
func runOnceCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory (default: ./.shopmate)")
	sessionID := fs.String("session", "", "Session id (default: a fresh random session)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: shopmate run [flags] <message>")
	}
	message := strings.Join(fs.Args(), " ")

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	id := *sessionID
	if id == "" {
		id = uuid.NewString()
	}
	st, err := env.Sessions.LoadOrCreate(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", id, err)
	}

	_, decision, err := env.Orchestrator.Turn(ctx, st, message)
	if err != nil {
		return err
	}
	fmt.Println(decision.SelectedResponse)
	return nil
}

func runIngestCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory (default: ./.shopmate)")
	batchSize := fs.Int("batch-size", 0, "Products per ingest batch")
	maxChars := fs.Int("max-chars", 0, "Cap on embedded description length")
	limit := fs.Int("limit", 0, "Stop after this many rows (0 = all)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: shopmate ingest [flags] <catalog.csv> [more.csv ...]")
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	env.Ingester = catalog.NewIngester(env.Catalog, env.Lexical, env.Embedder, catalog.IngestOptions{
		BatchSize: *batchSize,
		MaxChars:  *maxChars,
		Limit:     *limit,
	})

	for _, path := range fs.Args() {
		stats, err := env.Ingester.IngestFile(ctx, path)
		if err != nil {
			return fmt.Errorf("ingesting %s: %w", path, err)
		}
		log.Printf("%s: %d ingested, %d skipped", path, stats.Ingested, stats.Skipped)
	}
	return nil
}

func runWatchCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory (default: ./.shopmate)")
	dir := fs.String("dir", "", "Directory to watch for dropped catalog CSV files")
	debounce := fs.Duration("debounce", 2*time.Second, "Quiet period before ingesting a changed file")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("usage: shopmate watch -dir <drop-directory>")
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	watcher := catalog.NewWatcher(*dir, env.Ingester, *debounce)
	log.Printf("👀 Watching %s for catalog drops", *dir)
	return watcher.Run(ctx)
}

func printHelp() {
	fmt.Println(`Commands:
  /state  show the session's profile, weights and history markers
  /help   this message
  /exit   leave the chat

Anything else is sent to the assistant.`)
}

func printState(st *state.ConversationState) {
	blob, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		fmt.Printf("failed to render state: %v\n", err)
		return
	}
	fmt.Println(string(blob))
}
