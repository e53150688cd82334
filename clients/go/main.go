// Circle CLI - Command line client for a Circle server
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/eldtechnologies/circle/clients/go/circle"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	client := circle.NewClient(os.Getenv("CIRCLE_URL"), os.Getenv("CIRCLE_TOKEN"))
	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health()
		exitOnError(err)
		printJSON(resp)

	case "friends":
		resp, err := client.Friends()
		exitOnError(err)
		for _, f := range resp {
			state := "offline"
			if f.IsActive {
				state = "online"
			}
			fmt.Printf("  %s  %s (%d unread)\n", f.ID, state, f.Unread)
		}

	case "requests":
		resp, err := client.FriendRequests()
		exitOnError(err)
		for _, r := range resp.Incoming {
			fmt.Printf("  <- %s\n", r.From)
		}
		for _, r := range resp.Outgoing {
			fmt.Printf("  -> %s\n", r.To)
		}

	case "add", "accept", "reject":
		requireArgs(3, "circle "+cmd+" <user_id>")
		var err error
		switch cmd {
		case "add":
			_, err = client.SendFriendRequest(os.Args[2])
		case "accept":
			_, err = client.AcceptFriend(os.Args[2])
		default:
			_, err = client.RejectFriend(os.Args[2])
		}
		exitOnError(err)
		fmt.Println("ok")

	case "send":
		requireArgs(4, "circle send <user_id> <message>")
		msg, err := client.SendMessage(os.Args[2], os.Args[3])
		exitOnError(err)
		fmt.Printf("Sent: %s\n", msg.ID)

	case "upload":
		requireArgs(4, "circle upload <user_id> <file>")
		f, err := os.Open(os.Args[3])
		exitOnError(err)
		defer f.Close()
		msg, err := client.SendMedia(os.Args[2], filepath.Base(os.Args[3]), f, "")
		exitOnError(err)
		fmt.Printf("Sent %s: %s\n", msg.Type, msg.Media)

	case "read":
		requireArgs(3, "circle read <user_id>")
		msgs, err := client.History(os.Args[2])
		exitOnError(err)
		for _, msg := range msgs {
			body := msg.Text
			if msg.Media != "" {
				body = fmt.Sprintf("[%s] %s %s", msg.Type, msg.Media, msg.Text)
			}
			fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format("2006-01-02 15:04:05"), msg.From, body)
		}

	case "listen":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		err := client.Listen(ctx, func(ev circle.Event) {
			switch ev.Name {
			case "user-status":
				if id, online, err := ev.Status(); err == nil {
					fmt.Printf("* %s online=%t\n", id, online)
				}
			case "new-message":
				if msg, err := ev.Message(); err == nil {
					fmt.Printf("%s: %s%s\n", msg.From, msg.Text, msg.Media)
				}
			}
		})
		if err != nil && ctx.Err() == nil {
			exitOnError(err)
		}

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Circle CLI

Usage: circle <command> [options]

Commands:
  friends                 List friends with unread counts
  requests                List pending friend requests
  add <user_id>           Send a friend request
  accept <user_id>        Accept a friend request
  reject <user_id>        Reject a friend request
  send <user_id> <text>   Send a text message
  upload <user_id> <file> Send a photo, video or audio file
  read <user_id>          Show the conversation
  listen                  Stream live events
  health                  Check server health

Environment:
  CIRCLE_URL    Server URL (default: http://localhost:8080)
  CIRCLE_TOKEN  Bearer token (see cmd/token)`)
}

func requireArgs(n int, usage string) {
	if len(os.Args) < n {
		fmt.Fprintln(os.Stderr, "Usage:", usage)
		os.Exit(1)
	}
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
