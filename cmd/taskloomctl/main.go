// taskloomctl is a thin CLI over the orchestrator HTTP gateway: submit a
// workflow graph, poll it, revoke it, and tail the event stream.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
)

const defaultGateway = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "submit":
		runSubmitCmd(args)
	case "status":
		runStatusCmd(args)
	case "wait":
		runWaitCmd(args)
	case "revoke":
		runRevokeCmd(args)
	case "invocation":
		runInvocationCmd(args)
	case "watch":
		runWatchCmd(args)
	default:
		usage()
		os.Exit(1)
	}
}

func runSubmitCmd(args []string) {
	fs := newFlagSet("submit")
	file := fs.String("file", "", "workflow graph json file")
	fs.ParseArgs(args)
	if *file == "" {
		fail("workflow graph file required (use --file)")
	}

	var req json.RawMessage
	loadJSON(*file, &req)

	client := newClient(*fs.gateway)
	rootID, err := client.Submit(context.Background(), req)
	check(err)
	fmt.Println(rootID)
}

func runStatusCmd(args []string) {
	fs := newFlagSet("status")
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("workflow root id required")
	}
	client := newClient(*fs.gateway)
	status, err := client.Status(context.Background(), fs.Arg(0))
	check(err)
	printJSON(status)
}

func runWaitCmd(args []string) {
	fs := newFlagSet("wait")
	timeout := fs.Duration("timeout", 0, "give up after this duration (0 waits forever)")
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("workflow root id required")
	}
	client := newClient(*fs.gateway)
	status, err := client.Wait(context.Background(), fs.Arg(0), *timeout)
	check(err)
	printJSON(status)
}

func runRevokeCmd(args []string) {
	fs := newFlagSet("revoke")
	purge := fs.Bool("purge", false, "delete all workflow state instead of revoking")
	single := fs.Bool("invocation", false, "treat the id as a single invocation, not a workflow root")
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("workflow root id required")
	}
	client := newClient(*fs.gateway)
	if *single {
		if *purge {
			fail("--purge applies to whole workflows only")
		}
		check(client.RevokeInvocation(context.Background(), fs.Arg(0)))
		return
	}
	check(client.Revoke(context.Background(), fs.Arg(0), *purge))
}

func runInvocationCmd(args []string) {
	fs := newFlagSet("invocation")
	children := fs.Bool("children", false, "list child invocation ids instead of the record")
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("invocation id required")
	}
	client := newClient(*fs.gateway)
	if *children {
		ids, err := client.Children(context.Background(), fs.Arg(0))
		check(err)
		printJSON(ids)
		return
	}
	rec, err := client.Invocation(context.Background(), fs.Arg(0))
	check(err)
	printJSON(rec)
}

type flagSet struct {
	*flag.FlagSet
	gateway *string
}

func newFlagSet(name string) *flagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	gateway := fs.String("gateway", envOr("TASKLOOM_GATEWAY", defaultGateway), "gateway base url")
	return &flagSet{FlagSet: fs, gateway: gateway}
}

func (fs *flagSet) ParseArgs(args []string) {
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
}

func newClient(gateway string) *gatewayClient {
	return newGatewayClient(strings.TrimRight(gateway, "/"))
}

func loadJSON(path string, out any) {
	// #nosec G304 -- CLI explicitly reads local files provided by the operator.
	data, err := os.ReadFile(path)
	check(err)
	if err := json.Unmarshal(data, out); err != nil {
		fail(fmt.Sprintf("invalid json: %v", err))
	}
}

func printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	check(err)
	fmt.Println(string(data))
}

func usage() {
	fmt.Print(`taskloomctl - taskloom workflow CLI

Usage:
  taskloomctl submit --file graph.json
  taskloomctl status <root_id>
  taskloomctl wait <root_id> [--timeout 30s]
  taskloomctl revoke <root_id> [--purge]
  taskloomctl revoke <invocation_id> --invocation
  taskloomctl invocation <invocation_id> [--children]
  taskloomctl watch [--root <root_id>]

Global flags:
  --gateway   Gateway base URL (default from TASKLOOM_GATEWAY)
`)
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func check(err error) {
	if err != nil {
		fail(err.Error())
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, "error:", msg)
	os.Exit(1)
}
