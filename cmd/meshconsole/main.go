package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/lattice-net/meshwire/internal/meshnet"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7777", "meshwired admin console address")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshconsole: dial %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	ser := meshnet.NewTaggedJSONSerialization()
	meshnet.RegisterAdminTypes(ser)
	r := bufio.NewReader(conn)

	welcome, err := meshnet.ReadFrame(r, ser)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshconsole: reading welcome frame: %v\n", err)
		os.Exit(1)
	}
	if reg, ok := welcome.(meshnet.RegisterTCP); ok {
		fmt.Printf("connected as connection %d\n", reg.ConnectionID)
	}

	go pushLoop(r, ser)

	rl, err := readline.New("mesh> ")
	if err != nil {
		panic(err)
	}
	defer rl.Close()

	fmt.Println(usage())
	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF, readline.ErrInterrupt
			break
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "list", "stat":
			send(conn, ser, meshnet.AdminCommand{Op: fields[0]})

		case "send":
			if len(fields) < 3 {
				fmt.Println("usage: send <id> <text...>")
				continue
			}
			id, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("bad connection id:", fields[1])
				continue
			}
			send(conn, ser, meshnet.AdminCommand{Op: "send", ID: int32(id), Text: strings.Join(fields[2:], " ")})

		case "broadcast":
			if len(fields) < 2 {
				fmt.Println("usage: broadcast <text...>")
				continue
			}
			send(conn, ser, meshnet.AdminCommand{Op: "broadcast", Text: strings.Join(fields[1:], " ")})

		case "help":
			fmt.Println(usage())

		case "quit", "exit":
			return

		default:
			fmt.Println("unknown command, type help")
		}
	}
}

func send(w io.Writer, ser meshnet.Serialization, cmd meshnet.AdminCommand) {
	if err := meshnet.WriteFrame(w, ser, cmd); err != nil {
		fmt.Println("write failed:", err)
	}
}

// pushLoop prints whatever the server sends unprompted: AdminReply answers
// to our own commands, TextMessage deliveries from "send"/"broadcast", and
// KeepAlive frames (silently, they're just wire upkeep).
func pushLoop(r *bufio.Reader, ser meshnet.Serialization) {
	for {
		obj, err := meshnet.ReadFrame(r, ser)
		if err != nil {
			fmt.Println("\nconnection closed:", err)
			os.Exit(0)
		}
		switch m := obj.(type) {
		case meshnet.AdminReply:
			fmt.Printf("\n[%s]\n", m.Op)
			for _, line := range m.Lines {
				fmt.Println(" ", line)
			}
		case meshnet.TextMessage:
			fmt.Printf("\n* %s\n", m.Text)
		case meshnet.KeepAlive:
			// wire upkeep, nothing to show.
		default:
			fmt.Printf("\n? %#v\n", m)
		}
	}
}

func usage() string {
	return strings.TrimSpace(`
commands:
  list                 list established connections
  send <id> <text...>  deliver a text message to one connection
  broadcast <text...>  deliver a text message to every other connection
  stat                 show basic server counters
  help                 show this message
  quit                 disconnect and exit
`)
}
