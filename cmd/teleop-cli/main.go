// Command teleop-cli is a terminal operator client for the control
// websocket: it sends typed commands and prints the server's replies.
//
// Usage:
//
//	teleop-cli -server ws://robot.local:8040 init
//	teleop-cli -server ws://robot.local:8040 drive 200 32768
//	teleop-cli -server ws://robot.local:8040        # interactive
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

func main() {
	server := flag.String("server", "ws://127.0.0.1:8040", "server websocket base URL")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*server+"/ws/control", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if args := flag.Args(); len(args) > 0 {
		if err := send(conn, args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	fmt.Println("commands: ping | init | mode safe|full | drive <v> <r> | stop | clean | dock | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return
		}
		if err := send(conn, fields); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
	}
}

// send encodes one command line, writes it, and prints the reply.
func send(conn *websocket.Conn, fields []string) error {
	msg := map[string]any{"action": fields[0]}
	switch fields[0] {
	case "mode":
		if len(fields) != 2 {
			return fmt.Errorf("usage: mode safe|full")
		}
		msg["value"] = fields[1]
	case "drive":
		if len(fields) != 3 {
			return fmt.Errorf("usage: drive <velocity> <radius>")
		}
		v, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("bad velocity %q", fields[1])
		}
		r, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("bad radius %q", fields[2])
		}
		msg["velocity"] = v
		msg["radius"] = r
	}

	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	fmt.Println(string(reply))
	return nil
}
