package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sageloop/sage/internal/agent/runner"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant in the terminal",
	RunE: func(*cobra.Command, []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(cfg, noopFire)
		if err != nil {
			return err
		}
		defer a.close()

		session, err := a.sessions.GetOrCreate("cli")
		if err != nil {
			return err
		}

		fmt.Println("Sage is ready. Type a message, or /quit to exit.")
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 64*1024)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				break
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" {
				break
			}

			onProgress := func(ev runner.ProgressEvent) {
				switch ev.Type {
				case "tool_start":
					fmt.Printf("  [using %s...]\n", ev.Tool)
				case "thinking":
					if ev.Text != "" {
						fmt.Printf("  %s\n", ev.Text)
					}
				}
			}
			result, err := a.runner.ProcessMessage(context.Background(), session.ID, line, nil, onProgress, nil)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			fmt.Println(result.Response)
		}
		return scanner.Err()
	},
}
