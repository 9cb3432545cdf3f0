// chatctl is a terminal chat client for exercising a chatterd server: it
// obtains a session token, joins a room, and bridges stdin lines to
// messages while printing everything the session observes.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"chatsync/internal/domain"
	"chatsync/internal/engine"
	"chatsync/internal/storage"
	wstransport "chatsync/internal/transport/ws"
	"chatsync/pkg/config"
	"chatsync/pkg/logger"
)

func main() {
	var (
		server   = flag.String("server", "http://localhost:8080", "chatterd base URL")
		username = flag.String("user", "", "username to connect as")
		roomID   = flag.String("room", "", "room id to join (defaults to a fresh room)")
		peer     = flag.String("peer", "", "peer user id for the room")
	)
	flag.Parse()

	if *username == "" {
		fmt.Fprintln(os.Stderr, "usage: chatctl -user <name> [-server url] [-room id] [-peer id]")
		os.Exit(1)
	}

	logger.InitDefault()
	defer logger.Sync()

	userID, token, err := obtainToken(*server, *username)
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("connected as %s (%s)\n", *username, userID)

	cfg := config.Load()
	cfg.Connection.URL = strings.Replace(*server, "http", "ws", 1) + "/ws"
	cfg.Connection.Token = token

	transport := wstransport.NewClient(cfg.Connection)

	var opts []engine.Option
	uploader, err := storage.NewMinioUploader(cfg.MinIO)
	if err != nil {
		fmt.Fprintf(os.Stderr, "file uploads disabled: %v\n", err)
	} else {
		opts = append(opts, engine.WithUploader(uploader))
	}

	eng := engine.New(userID, transport, cfg, opts...)

	room := buildRoom(*roomID, userID, *peer)

	eng.Store().Subscribe(func(changed uuid.UUID) {
		printRoom(eng, changed)
	})
	eng.Typing().Subscribe(func(changed uuid.UUID, typingUsers []uuid.UUID) {
		if len(typingUsers) > 0 {
			fmt.Println("  peer is typing...")
		}
	})
	eng.Connection().Subscribe(func(state domain.ConnectionState, err error) {
		if err != nil {
			fmt.Printf("[connection] %s: %v\n", state, err)
			return
		}
		fmt.Printf("[connection] %s\n", state)
	})

	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "start failed: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	if err := eng.JoinRoom(room); err != nil {
		fmt.Fprintf(os.Stderr, "join failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("joined room %s, type messages:\n", room.ID)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			if path, ok := strings.CutPrefix(line, "/file "); ok {
				sendFile(eng, room.ID, strings.TrimSpace(path))
				continue
			}
			eng.StartTyping(room.ID)
			if _, err := eng.SendText(room.ID, line, nil); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		case <-quit:
			return
		}
	}
}

func obtainToken(server, username string) (uuid.UUID, string, error) {
	body, _ := json.Marshal(map[string]string{"username": username})
	resp, err := http.Post(server+"/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return uuid.Nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return uuid.Nil, "", fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	var out struct {
		UserID uuid.UUID `json:"user_id"`
		Token  string    `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return uuid.Nil, "", err
	}
	return out.UserID, out.Token, nil
}

func buildRoom(roomID string, selfID uuid.UUID, peer string) domain.ChatRoom {
	id := uuid.New()
	if roomID != "" {
		if parsed, err := uuid.Parse(roomID); err == nil {
			id = parsed
		}
	}
	peerID := uuid.Nil
	if peer != "" {
		if parsed, err := uuid.Parse(peer); err == nil {
			peerID = parsed
		}
	}
	return domain.ChatRoom{
		ID:           id,
		Participants: [2]uuid.UUID{selfID, peerID},
	}
}

// sendFile handles the /file command: upload the file, then send the
// attachment message
func sendFile(eng *engine.Engine, roomID uuid.UUID, path string) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Printf("file send failed: %v\n", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		fmt.Printf("file send failed: %v\n", err)
		return
	}

	msg, err := eng.SendFile(context.Background(), roomID, filepath.Base(path), f, info.Size())
	if err != nil {
		fmt.Printf("file send failed: %v\n", err)
		return
	}
	fmt.Printf("  uploaded %s (%d bytes) as %s\n", msg.Attachment.Name, msg.Attachment.Size, msg.Attachment.URL)
}

func printRoom(eng *engine.Engine, roomID uuid.UUID) {
	msgs := eng.Store().Messages(roomID)
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	fmt.Printf("  [%s] %s: %s (%s)\n",
		last.OrderingTime().Format("15:04:05"),
		shortID(last.SenderID),
		last.Content,
		last.State)
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
