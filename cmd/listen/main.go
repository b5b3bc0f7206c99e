package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"listentogether/internal/client"
	"listentogether/internal/playback"
	"listentogether/internal/protocol"
)

func main() {
	cfg := client.ConfigFromEnv()

	persist, err := client.OpenSessionStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("open session store: %v", err)
	}
	defer persist.Close()

	eng := client.New(cfg, persist)
	defer eng.Close()

	adapter := playback.NewAdapter(eng, playback.NopPlayer{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go printEvents(ctx, eng, adapter)

	if code := eng.PersistedRoomCode(); code != "" {
		fmt.Printf("Resuming session in room %s...\n", code)
	}
	eng.Connect()

	fmt.Println("Listen Together client. Type 'help' for commands.")
	go repl(eng, stop)

	<-ctx.Done()
	fmt.Println("\nShutting down.")
	eng.Disconnect()
}

// printEvents turns engine events into console lines and keeps the playback
// adapter fed.
func printEvents(ctx context.Context, eng *client.Engine, adapter *playback.Adapter) {
	events := eng.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			adapter.HandleEvent(ev)
			printEvent(ev)
		}
	}
}

func printEvent(ev client.Event) {
	switch ev := ev.(type) {
	case client.EventRoomCreated:
		fmt.Printf("Room created: %s (share this code)\n", ev.RoomCode)
	case client.EventJoinRequestReceived:
		fmt.Printf("%s wants to join. 'approve %s' or 'reject %s'\n", ev.Username, ev.UserID, ev.UserID)
	case client.EventJoinApproved:
		fmt.Printf("Joined room %s with %d listeners\n", ev.RoomCode, len(ev.State.Users))
	case client.EventJoinRejected:
		fmt.Printf("Join rejected: %s\n", ev.Reason)
	case client.EventUserJoined:
		fmt.Printf("%s joined\n", ev.Username)
	case client.EventUserLeft:
		fmt.Printf("%s left\n", ev.Username)
	case client.EventHostChanged:
		fmt.Printf("%s is now the host\n", ev.NewHostName)
	case client.EventKicked:
		fmt.Printf("Kicked from room: %s\n", ev.Reason)
	case client.EventReconnecting:
		fmt.Printf("Connection lost, retrying (%d/%d)...\n", ev.Attempt, ev.MaxAttempts)
	case client.EventReconnected:
		fmt.Printf("Back in room %s\n", ev.RoomCode)
	case client.EventUserReconnected:
		fmt.Printf("%s reconnected\n", ev.Username)
	case client.EventUserDisconnected:
		fmt.Printf("%s lost connection\n", ev.Username)
	case client.EventPlaybackSync:
		fmt.Printf("Playback: %s\n", ev.Action.Action)
	case client.EventBufferWait:
		fmt.Printf("Waiting for %d listener(s) to buffer...\n", len(ev.WaitingFor))
	case client.EventBufferComplete:
		fmt.Println("Everyone is ready")
	case client.EventChatReceived:
		fmt.Printf("[%s] %s\n", ev.Username, ev.Message)
	case client.EventSuggestionReceived:
		s := ev.Suggestion
		fmt.Printf("%s suggests %q. 'yes %s' or 'no %s'\n",
			s.FromUsername, s.TrackInfo.Title, s.SuggestionID, s.SuggestionID)
	case client.EventConnectionError:
		fmt.Printf("Connection error: %s\n", ev.Err)
	case client.EventServerError:
		fmt.Printf("Server error [%s]: %s\n", ev.Code, ev.Message)
	case client.EventDisconnected:
		fmt.Println("Disconnected")
	}
}

func repl(eng *client.Engine, stop func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		switch cmd {
		case "help":
			printHelp()
		case "create":
			eng.CreateRoom(rest)
		case "join":
			code, name, _ := strings.Cut(rest, " ")
			eng.JoinRoom(code, strings.TrimSpace(name))
		case "leave":
			eng.LeaveRoom()
		case "approve":
			eng.ApproveJoin(rest)
		case "reject":
			eng.RejectJoin(rest, "host declined")
		case "kick":
			eng.KickUser(rest, "removed by host")
		case "yes":
			eng.ApproveSuggestion(rest)
		case "no":
			eng.RejectSuggestion(rest, "host declined")
		case "say":
			eng.SendChat(rest)
		case "play":
			eng.SendPlaybackAction(protocol.PlaybackActionPayload{Action: protocol.ActionPlay})
		case "pause":
			eng.SendPlaybackAction(protocol.PlaybackActionPayload{Action: protocol.ActionPause})
		case "sync":
			eng.RequestSync()
		case "who":
			printRoom(eng)
		case "status":
			fmt.Printf("%s, role=%s\n", eng.ConnectionState(), eng.Role())
		case "logs":
			for _, entry := range eng.Logs() {
				fmt.Printf("%s %-7s %s %s\n",
					entry.Timestamp.Format("15:04:05"), entry.Level, entry.Message, entry.Details)
			}
		case "quit", "exit":
			stop()
			return
		default:
			fmt.Printf("Unknown command %q. Type 'help'.\n", cmd)
		}
	}
}

func printRoom(eng *client.Engine) {
	room := eng.RoomState()
	if room == nil {
		fmt.Println("Not in a room")
		return
	}
	fmt.Printf("Room %s:\n", room.RoomCode)
	for _, u := range room.Users {
		mark := " "
		if u.IsHost {
			mark = "*"
		}
		state := "online"
		if !u.IsConnected {
			state = "offline"
		}
		fmt.Printf("  %s %s (%s)\n", mark, u.Username, state)
	}
}

func printHelp() {
	fmt.Print(`Commands:
  create <name>         create a room as <name>
  join <code> <name>    ask to join a room
  leave                 leave the current room
  approve <user-id>     let a pending user in (host)
  reject <user-id>      turn a pending user away (host)
  kick <user-id>        remove a user (host)
  yes/no <suggestion>   accept or decline a track suggestion (host)
  say <text>            send a chat message
  play / pause          control playback (host)
  sync                  request the current playback position
  who                   list room members
  status                connection state and role
  logs                  dump the diagnostic log
  quit                  exit
`)
}
