package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"

	"github.com/veesix-networks/osdhcpc/pkg/events"
	"github.com/veesix-networks/osdhcpc/pkg/logger"
)

type commandHandler func(ctx context.Context, cli *CLI, args []string) error

type command struct {
	name        string
	usage       string
	description string
	handler     commandHandler
	// complete yields candidates for the argument following the already
	// typed ones.
	complete func(prev []string) []string
}

type CLI struct {
	api        *apiClient
	serverAddr string
	rl         *readline.Instance
	running    bool
	commands   []command
}

var loggingComponents = []string{
	logger.Main, logger.Client, logger.Lease, logger.Transport,
	logger.Netconf, logger.Store, logger.Probe, logger.Control,
	logger.Exporter, logger.Events,
}

var loggingLevels = []string{"debug", "info", "warn", "error", "default"}

var debugTopics = []string{events.TopicLeaseLifecycle, events.TopicClientFatal}

func NewCLI(api *apiClient, serverAddr string) *CLI {
	c := &CLI{
		api:        api,
		serverAddr: serverAddr,
		running:    true,
	}

	c.commands = []command{
		{"status", "status", "Show the lease session state", cmdStatus, nil},
		{"lease", "lease", "Show the checkpointed lease", cmdLease, nil},
		{"events", "events", "Show recently published events", cmdEvents, nil},
		{"stats", "stats", "Show event bus statistics", cmdStats, nil},
		{"renew", "renew", "Renew the bound lease now", cmdRenew, nil},
		{"release", "release", "Release the lease and idle", cmdRelease, nil},
		{"restart", "restart", "Restart lease acquisition", cmdRestart, nil},
		{"logging", "logging <component> <level>", "Set a component log level", cmdLogging, completeLogging},
		{"debug-events", "debug-events [topic ...]", "Log matching events, no topics to disable", cmdDebugEvents, completeDebugTopics},
		{"version", "version", "Show the client version", cmdVersion, nil},
		{"help", "help", "Show this help", cmdHelp, nil},
	}

	return c
}

func completeLogging(prev []string) []string {
	switch len(prev) {
	case 0:
		return loggingComponents
	case 1:
		return loggingLevels
	}
	return nil
}

func completeDebugTopics(prev []string) []string {
	return debugTopics
}

func (c *CLI) Run() error {
	var err error
	c.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "osdhcpc> ",
		HistoryFile:     os.ExpandEnv("$HOME/.osdhcpc_history"),
		AutoComplete:    &commandCompleter{cli: c},
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer c.rl.Close()

	c.printBanner()

	for c.running {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if err == io.EOF {
				break
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.processCommand(line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}

	return nil
}

func (c *CLI) Stop() {
	c.running = false
}

func (c *CLI) printBanner() {
	fmt.Println("=====================================")
	fmt.Println("    osdhcpc Interactive CLI")
	fmt.Println("=====================================")
	fmt.Printf("Connected to: %s\n", c.serverAddr)
	fmt.Println("Type 'help' for available commands")
	fmt.Println("Type 'exit' or 'quit' to exit")
	fmt.Println()
}

func (c *CLI) processCommand(line string) error {
	if line == "exit" || line == "quit" {
		c.running = false
		return nil
	}

	if line == "?" {
		c.printHelp()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return c.execute(ctx, line)
}

func (c *CLI) execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd := c.lookup(fields[0])
	if cmd == nil {
		return fmt.Errorf("unknown command: %s (try 'help')", fields[0])
	}

	return cmd.handler(ctx, c, fields[1:])
}

func (c *CLI) lookup(name string) *command {
	for i := range c.commands {
		if c.commands[i].name == name {
			return &c.commands[i]
		}
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COMMAND\tDESCRIPTION")
	for _, cmd := range c.commands {
		fmt.Fprintf(w, "%s\t%s\n", cmd.usage, cmd.description)
	}
	fmt.Fprintln(w, "exit\tLeave the shell")
	w.Flush()
	fmt.Println()
}

// completions returns the full candidate words for the word under the
// cursor in input.
func (c *CLI) completions(input string) []string {
	fields := strings.Fields(input)
	trailing := strings.HasSuffix(input, " ")

	if len(fields) == 0 || (len(fields) == 1 && !trailing) {
		prefix := ""
		if len(fields) == 1 {
			prefix = fields[0]
		}
		var out []string
		for _, cmd := range c.commands {
			if strings.HasPrefix(cmd.name, prefix) {
				out = append(out, cmd.name)
			}
		}
		for _, name := range []string{"exit", "quit"} {
			if strings.HasPrefix(name, prefix) {
				out = append(out, name)
			}
		}
		return out
	}

	cmd := c.lookup(fields[0])
	if cmd == nil || cmd.complete == nil {
		return nil
	}

	args := fields[1:]
	partial := ""
	if !trailing && len(args) > 0 {
		partial = args[len(args)-1]
		args = args[:len(args)-1]
	}

	var out []string
	for _, cand := range cmd.complete(args) {
		if strings.HasPrefix(cand, partial) {
			out = append(out, cand)
		}
	}
	return out
}

type commandCompleter struct {
	cli *CLI
}

func (cc *commandCompleter) Do(line []rune, pos int) (newLine [][]rune, length int) {
	input := string(line[:pos])
	completions := cc.cli.completions(input)

	if len(completions) == 0 {
		return nil, 0
	}

	lastSpace := -1
	for i := pos - 1; i >= 0; i-- {
		if line[i] == ' ' {
			lastSpace = i
			break
		}
	}

	partialWord := ""
	if lastSpace >= 0 {
		partialWord = string(line[lastSpace+1 : pos])
	} else {
		partialWord = string(line[:pos])
	}

	result := make([][]rune, len(completions))
	for i, c := range completions {
		if len(partialWord) > 0 && len(c) >= len(partialWord) {
			result[i] = []rune(c[len(partialWord):])
		} else {
			result[i] = []rune(c)
		}
	}

	return result, len(partialWord)
}
