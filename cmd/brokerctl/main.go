// brokerctl is the command-line client for brokerd. It sends one command
// over the daemon socket and prints the JSON response, or streams events
// with the subscribe command.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"main/internal/client"
	"main/internal/schema"
	"main/internal/wire"
)

func main() {
	socket := flag.String("socket", "/tmp/brokerd.sock", "Daemon socket path")
	actor := flag.String("actor", "cli", "Actor name recorded in the audit trail")
	timeout := flag.Duration("timeout", 5*time.Second, "Per-command timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	cmd := args[0]
	cmdArgs, err := parseArgs(args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad argument: %v\n", err)
		os.Exit(2)
	}

	c, cerr := client.Dial(*socket, *actor, client.DefaultDialTimeout)
	if cerr != nil {
		fail(cerr)
	}
	defer func() { _ = c.Close() }()

	if cmd == "subscribe" || cmd == "agent.subscribe" {
		stream(c, cmdArgs)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	resp, cerr := c.Call(ctx, cmd, cmdArgs)
	if cerr != nil {
		fail(cerr)
	}
	if !resp.OK {
		out, _ := json.MarshalIndent(resp.Error, "", "  ")
		fmt.Fprintln(os.Stderr, string(out))
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(resp.Data, "", "  ")
	fmt.Println(string(out))
}

func stream(c *client.Client, args map[string]any) {
	var topics []string
	if raw, ok := args["topics"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				topics = append(topics, s)
			}
		}
	}
	cerr := c.Subscribe(context.Background(), topics, 0, func(ev wire.Event) bool {
		line, _ := json.Marshal(ev)
		fmt.Println(string(line))
		return true
	})
	if cerr != nil {
		fail(cerr)
	}
}

// parseArgs turns key=value pairs into a command args map. Values that parse
// as JSON, numbers, or booleans keep their type; everything else is a string.
func parseArgs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[key] = parseValue(value)
	}
	return out, nil
}

func parseValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}
	return s
}

func fail(cerr *schema.CodedError) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", cerr.Code, cerr.Message)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: brokerctl [flags] <command> [key=value ...]

Commands are the daemon's command names, e.g.
  brokerctl daemon.status
  brokerctl order.submit symbol=AAPL side=BUY qty=10 type=MARKET
  brokerctl risk.set param=max_order_value value=50000
  brokerctl subscribe topics=["orders","fills"]

Flags:
`)
	flag.PrintDefaults()
}
