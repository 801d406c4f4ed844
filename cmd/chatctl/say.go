package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"radiochat/internal/chat"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
)

// sayOptions configure one scripted chat session.
type sayOptions struct {
	ClientID string
	Username string
	Message  string
	Token    string
	Wait     time.Duration
}

func sayCommand(g *globals, stdout io.Writer) *command {
	var opts sayOptions
	var sessionToken string
	return &command{
		Name:    "say",
		Summary: "Connect as a listener, send one chat message and print what the server sends back.",
		Usage:   "chatctl say --username NAME --message TEXT [--client-id ID] [--session TOKEN]",
		Flags: func(fs *pflag.FlagSet) {
			fs.StringVar(&opts.ClientID, "client-id", "", "client id to register with (random when empty)")
			fs.StringVar(&opts.Username, "username", "chatctl", "display name")
			fs.StringVarP(&opts.Message, "message", "m", "", "message text")
			fs.StringVar(&sessionToken, "session", "", "session token sent with the register frame")
			fs.DurationVar(&opts.Wait, "wait", 5*time.Second, "how long to wait for the echo")
			fs.StringVar(&g.Server, "server", g.Server, "server base URL (env CHATCTL_SERVER)")
		},
		Run: func(args []string) error {
			if opts.Message == "" && len(args) > 0 {
				opts.Message = strings.Join(args, " ")
			}
			if opts.Message == "" {
				return fmt.Errorf("%w: --message is required", errUsage)
			}
			if opts.ClientID == "" {
				opts.ClientID = uuid.NewString()
			}
			opts.Token = sessionToken

			wsURL, err := websocketURL(g.Server)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), opts.Wait+requestTimeout)
			defer cancel()
			return say(ctx, wsURL, opts, stdout)
		},
	}
}

// websocketURL maps an http(s) base URL onto the chat endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported server scheme %q", errUsage, u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

var errNoEcho = errors.New("message was not echoed")

// say registers, sends one chat frame and prints every frame until the
// message comes back or the server closes the connection.
func say(ctx context.Context, wsURL string, opts sayOptions, out io.Writer) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	defer ws.Close()

	frames := []chat.InboundFrame{
		{Type: chat.TypeRegister, ClientID: opts.ClientID, Username: opts.Username, Token: opts.Token},
		{Type: chat.TypeChat, Message: opts.Message},
	}
	for _, f := range frames {
		// A rejected register closes the socket; the read below reports why.
		if err := ws.WriteJSON(f); err != nil {
			break
		}
	}

	ws.SetReadDeadline(time.Now().Add(opts.Wait))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return fmt.Errorf("%w: server closed the connection", errNoEcho)
			}
			return fmt.Errorf("%w: %v", errNoEcho, err)
		}

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			continue
		}

		switch head.Type {
		case chat.TypeSystem:
			var f chat.SystemFrame
			if json.Unmarshal(data, &f) == nil {
				fmt.Fprintf(out, "* %s\n", f.Message)
			}
		case chat.TypeListenerCount:
			var f chat.ListenerCountFrame
			if json.Unmarshal(data, &f) == nil {
				fmt.Fprintf(out, "listeners: %d\n", f.Count)
			}
		case chat.TypeChat:
			var f chat.ChatFrame
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			fmt.Fprintf(out, "<%s> %s\n", f.Username, f.Message)
			if f.ClientID == opts.ClientID && f.Message == strings.TrimSpace(opts.Message) {
				ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
		}
	}
}
