package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/taskloom/taskloom/core/protocol/wire"
)

func runWatchCmd(args []string) {
	fs := newFlagSet("watch")
	root := fs.String("root", "", "only show events for this workflow root id")
	fs.ParseArgs(args)

	wsURL := toWebsocketURL(*fs.gateway) + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	check(err)
	defer conn.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		conn.Close()
		os.Exit(0)
	}()

	for {
		var ev wire.WorkflowEvent
		if err := conn.ReadJSON(&ev); err != nil {
			fail(fmt.Sprintf("event stream closed: %v", err))
		}
		if *root != "" && ev.RootID != *root {
			continue
		}
		printEvent(&ev)
	}
}

func printEvent(ev *wire.WorkflowEvent) {
	parts := []string{ev.At.Format("15:04:05.000"), ev.Kind, "root=" + ev.RootID}
	if ev.InvocationID != "" {
		parts = append(parts, "invocation="+ev.InvocationID)
	}
	if ev.Task != "" {
		parts = append(parts, "task="+ev.Task)
	}
	if ev.State != "" {
		parts = append(parts, "state="+string(ev.State))
	}
	fmt.Println(strings.Join(parts, " "))
}

func toWebsocketURL(gateway string) string {
	switch {
	case strings.HasPrefix(gateway, "https://"):
		return "wss://" + strings.TrimPrefix(gateway, "https://")
	case strings.HasPrefix(gateway, "http://"):
		return "ws://" + strings.TrimPrefix(gateway, "http://")
	default:
		return "ws://" + gateway
	}
}
