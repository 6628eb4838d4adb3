package main

// Interactive demo client: authenticates with the x-uid dev cookie, keeps a
// live feed subscription open, and sends messages optimistically from stdin.
//
// Usage:
//   go run ./dev/demo --server 127.0.0.1:8000 --uid alice
// then type lines like:
//   bob hello there

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"duochat/chat"
	"duochat/client"
	"duochat/feed"
)

var (
	flagServer = flag.String("server", "127.0.0.1:8000", "duochat server, ip:port")
	flagUid    = flag.String("uid", "", "user id to act as")
)

func main() {
	flag.Parse()

	if *flagUid == "" {
		panic("--uid is required")
	}

	httpc := &http.Client{Timeout: 10 * time.Second}
	send := func(ctx context.Context, recipientID, text string) (chat.Message, error) {
		body, err := json.Marshal(map[string]string{"to": recipientID, "text": text})
		if err != nil {
			return chat.Message{}, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("http://%s/api/sendMessage", *flagServer), bytes.NewReader(body))
		if err != nil {
			return chat.Message{}, err
		}
		req.AddCookie(&http.Cookie{Name: "x-uid", Value: *flagUid})

		resp, err := httpc.Do(req)
		if err != nil {
			return chat.Message{}, err
		}
		defer resp.Body.Close()

		var out struct {
			Success bool `json:"success"`
			Message struct {
				Sender    string `json:"sender"`
				Text      string `json:"text"`
				Timestamp int64  `json:"timestamp"`
			} `json:"message"`
			Error *struct {
				Code   string `json:"code"`
				Reason string `json:"reason"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return chat.Message{}, err
		}
		if out.Error != nil {
			return chat.Message{}, fmt.Errorf("%s: %s", out.Error.Code, out.Error.Reason)
		}
		return chat.Message{
			Sender: out.Message.Sender,
			Text:   out.Message.Text,
			TS:     out.Message.Timestamp,
		}, nil
	}

	rec := client.NewReconciler(*flagUid, send)

	header := http.Header{}
	header.Add("Cookie", fmt.Sprintf("x-uid=%s", *flagUid))
	sub, err := client.Subscribe(context.Background(),
		fmt.Sprintf("ws://%s/feed", *flagServer), header,
		func(m *feed.ServerMsg) {
			if m.Error != nil {
				fmt.Printf("! %s: %s\n", m.Error.Code, m.Error.Reason)
				return
			}
			client.RouteSnapshots(rec, m)
			for _, c := range m.Conversations {
				fmt.Printf("-- %s --\n", c.ID)
				for _, e := range rec.RecentMessages(c.ID) {
					mark := " "
					if e.Pending {
						mark = "~"
					}
					if e.Failed {
						mark = "x"
					}
					fmt.Printf("%s [%s] %s: %s\n", mark,
						time.UnixMicro(e.Message.TS).Format("15:04:05"), e.Message.Sender, e.Message.Text)
				}
			}
		})
	if err != nil {
		panic(err)
	}
	defer sub.Close()

	fmt.Printf("connected as %s; `<recipient> <text>` to send\n", *flagUid)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		parts := strings.SplitN(strings.TrimSpace(scanner.Text()), " ", 2)
		if len(parts) != 2 {
			fmt.Println("usage: <recipient> <text>")
			continue
		}
		rec.Send(context.Background(), parts[0], parts[1])
	}
}
