package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/soracode/renga/internal/agent"
)

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat against the local orchestrator",
		Run:   runChat,
	}
}

const chatHelp = `Commands:
  /agents   list the profile's agents
  /tools    list registered tool names
  /cost     show spend for this process
  /clear    start a new session
  /cancel   cancel the previous request's session
  /quit     exit`

func runChat(cmd *cobra.Command, _ []string) {
	ctx := context.Background()
	setupLogging("warn", "text")

	a, err := buildApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialization failed: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	printBanner(fmt.Sprintf("renga %s — profile %q — /help for commands", Version, a.profile.Name))

	var sessionID string
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if done := handleSlash(ctx, a, line, &sessionID); done {
				return
			}
			continue
		}

		streaming := false
		result, err := a.orch.Process(ctx, line, sessionID, func(p agent.Progress) {
			switch p.Kind {
			case agent.ProgressChunk:
				streaming = true
				fmt.Print(p.Text)
			case agent.ProgressTool:
				fmt.Printf("\n[tool: %s]\n", p.Tool)
			case agent.ProgressDelegate:
				fmt.Printf("\n[delegating to @%s]\n", p.Tool)
			}
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
			continue
		}
		sessionID = result.SessionID

		// Streamed chunks cover the entry agent only; the final text
		// includes delegation results and the wrap-up.
		if streaming {
			fmt.Println()
		}
		fmt.Println(result.Text)
	}
}

func handleSlash(ctx context.Context, a *app, line string, sessionID *string) bool {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(chatHelp)
	case "/agents":
		for _, name := range a.profile.AgentNames() {
			cfg := a.profile.Agents[name]
			fmt.Printf("  @%-16s %s\n", name, cfg.Description)
		}
	case "/tools":
		for _, name := range a.registry.List() {
			fmt.Printf("  %s\n", name)
		}
	case "/cost":
		fmt.Print(a.costs.Summary())
	case "/clear":
		*sessionID = ""
		fmt.Println("session cleared")
	case "/cancel":
		if *sessionID == "" {
			fmt.Println("no session")
		} else if a.orch.Cancel(*sessionID) {
			fmt.Println("cancellation requested")
		} else {
			fmt.Println("nothing running")
		}
	default:
		fmt.Println("unknown command; /help")
	}
	_ = ctx
	return false
}

// printBanner draws a width-aware box around the text; multibyte
// characters in profile names render at their terminal width.
func printBanner(text string) {
	width := runewidth.StringWidth(text)
	fmt.Println("┌" + strings.Repeat("─", width+2) + "┐")
	fmt.Println("│ " + text + " │")
	fmt.Println("└" + strings.Repeat("─", width+2) + "┘")
}
