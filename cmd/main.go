package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"repoagent/internal/app"
	"repoagent/models"
)

var version = "1.0.0"

func main() {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	fmt.Printf("repoagent v%s\n", version)

	application, err := app.New()
	if err != nil {
		color.Red("failed to initialize: %v", err)
		os.Exit(1)
	}
	defer application.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	showHelp()
	runREPL(ctx, application)
}

func runREPL(ctx context.Context, application *app.Application) {
	promptColor := color.New(color.FgCyan, color.Bold)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		promptColor.Print("repoagent> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		command, args := splitCommand(line)
		switch command {
		case "quit", "exit", "q":
			fmt.Println("bye")
			return
		case "help", "h":
			showHelp()
		case "index":
			runIndex(ctx, application, args)
		case "watch":
			runWatch(ctx, application, args)
		case "ask":
			runAsk(ctx, application, args)
		case "agent":
			runAgent(ctx, application, args)
		case "history":
			runHistory(ctx, application, args)
		case "delete":
			runDelete(ctx, application, args)
		case "count":
			runCount(ctx, application, args)
		case "files":
			runFiles(ctx, application, args)
		case "reset":
			runReset(ctx, application, scanner)
		default:
			color.Yellow("unknown command %q, try 'help'", command)
		}
	}
}

func splitCommand(line string) (string, []string) {
	fields := strings.Fields(line)
	return strings.ToLower(fields[0]), fields[1:]
}

func runIndex(ctx context.Context, application *app.Application, args []string) {
	if len(args) < 2 {
		color.Yellow("usage: index <repo> <path>")
		return
	}
	fmt.Printf("indexing %s from %s...\n", args[0], args[1])
	stats, err := application.Index(ctx, args[0], args[1])
	if err != nil {
		color.Red("indexing failed: %v", err)
		return
	}
	color.Green("indexed %d files into %d chunks in %v (skipped %d)",
		stats.FilesIndexed, stats.ChunksIndexed,
		stats.Duration.Truncate(time.Millisecond), stats.FilesSkipped)
}

func runWatch(ctx context.Context, application *app.Application, args []string) {
	if len(args) < 2 {
		color.Yellow("usage: watch <repo> <path>")
		return
	}
	fmt.Println("watching, press Ctrl+C to stop...")
	if err := application.Watch(ctx, args[0], args[1]); err != nil && ctx.Err() == nil {
		color.Red("watch failed: %v", err)
	}
}

func runAsk(ctx context.Context, application *app.Application, args []string) {
	if len(args) < 2 {
		color.Yellow("usage: ask <repo> <question...>")
		return
	}
	response, err := application.Ask(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		color.Red("search failed: %v", err)
		return
	}

	if response.Answer != "" {
		fmt.Println()
		fmt.Println(response.Answer)
	}
	printSources(response.Sources)
	if response.Usage != nil {
		fmt.Printf("\ntokens: %d prompt, %d completion\n",
			response.Usage.PromptTokens, response.Usage.CompletionTokens)
	}
}

func runAgent(ctx context.Context, application *app.Application, args []string) {
	if len(args) < 2 {
		color.Yellow("usage: agent <repo> <question...>")
		return
	}
	result, err := application.RunAgent(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		color.Red("agent failed: %v", err)
		return
	}

	fmt.Println()
	for _, it := range result.Iterations {
		fmt.Printf("  iteration %d: %d chunks (%d relevant, avg %.3f) -> %s\n",
			it.Iteration, it.ChunksFound, it.RelevantChunks, it.AvgScore, it.Action.Type)
	}
	color.Green("\nstatus: %s (%v)\n", result.Status, result.Duration.Truncate(time.Millisecond))
	fmt.Println(result.Answer)
	printSourceList(result.Sources)
}

func runHistory(ctx context.Context, application *app.Application, args []string) {
	if len(args) < 1 {
		color.Yellow("usage: history <repo> [limit]")
		return
	}
	limit := 5
	if len(args) > 1 {
		if n, err := strconv.Atoi(args[1]); err == nil {
			limit = n
		}
	}

	sessions, err := application.History(ctx, args[0], limit)
	if err != nil {
		color.Red("failed to load history: %v", err)
		return
	}
	if len(sessions) == 0 {
		color.Yellow("no sessions recorded for %s", args[0])
		return
	}

	for _, session := range sessions {
		fmt.Printf("\n#%d [%s] %s\n", session.ID,
			session.CreatedAt.Format("2006-01-02 15:04:05"), session.Query)
		fmt.Printf("  status=%s iterations=%d sources=%d duration=%v\n",
			session.Status, len(session.Iterations), session.Sources,
			session.Duration.Truncate(time.Millisecond))
		for _, it := range session.Iterations {
			fmt.Printf("    %d: %s (%d chunks, avg %.3f)\n",
				it.Iteration, it.ActionType, it.ChunksFound, it.AvgScore)
		}
	}
}

func runDelete(ctx context.Context, application *app.Application, args []string) {
	if len(args) < 1 {
		color.Yellow("usage: delete <repo>")
		return
	}
	if err := application.DeleteRepo(ctx, args[0]); err != nil {
		color.Red("delete failed: %v", err)
		return
	}
	color.Green("deleted index and history for %s", args[0])
}

func runCount(ctx context.Context, application *app.Application, args []string) {
	if len(args) < 1 {
		color.Yellow("usage: count <repo>")
		return
	}
	count, err := application.ChunkCount(ctx, args[0])
	if err != nil {
		color.Red("count failed: %v", err)
		return
	}
	fmt.Printf("%d chunks indexed for %s\n", count, args[0])
}

func runFiles(ctx context.Context, application *app.Application, args []string) {
	if len(args) < 1 {
		color.Yellow("usage: files <repo>")
		return
	}
	files, err := application.Files(ctx, args[0])
	if err != nil {
		color.Red("failed to list files: %v", err)
		return
	}
	if len(files) == 0 {
		color.Yellow("nothing indexed for %s", args[0])
		return
	}
	for _, file := range files {
		fmt.Printf("  %s\n", file)
	}
	fmt.Printf("%d files indexed for %s\n", len(files), args[0])
}

func runReset(ctx context.Context, application *app.Application, scanner *bufio.Scanner) {
	fmt.Print("drop the whole index, all repositories? [y/N] ")
	if !scanner.Scan() || strings.ToLower(strings.TrimSpace(scanner.Text())) != "y" {
		fmt.Println("cancelled")
		return
	}
	if err := application.ResetIndex(ctx); err != nil {
		color.Red("reset failed: %v", err)
		return
	}
	color.Green("index reset")
}

func printSources(chunks []*models.Chunk) {
	if len(chunks) == 0 {
		color.Yellow("no sources found")
		return
	}
	fmt.Println()
	color.New(color.FgGreen).Printf("sources (%d):\n", len(chunks))
	printSourceList(chunks)
}

func printSourceList(chunks []*models.Chunk) {
	for i, chunk := range chunks {
		fmt.Printf("  %2d. %s:%d-%d (%.3f)\n", i+1,
			chunk.Metadata.Filepath, chunk.Metadata.StartLine,
			chunk.Metadata.EndLine, chunk.EffectiveScore())
	}
}

func showHelp() {
	fmt.Println()
	fmt.Println("commands:")
	fmt.Println("  index <repo> <path>       index a repository directory")
	fmt.Println("  watch <repo> <path>       keep the index in sync with changes")
	fmt.Println("  ask <repo> <question>     single-pass search")
	fmt.Println("  agent <repo> <question>   iterative agent search")
	fmt.Println("  history <repo> [limit]    recent agent sessions")
	fmt.Println("  count <repo>              indexed chunk count")
	fmt.Println("  files <repo>              list indexed files")
	fmt.Println("  delete <repo>             drop index and history")
	fmt.Println("  reset                     drop and recreate the whole index")
	fmt.Println("  help                      show this help")
	fmt.Println("  quit                      exit")
	fmt.Println()
}
