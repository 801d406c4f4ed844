// Package pages renders the server-side HTML pages.
package pages

import (
	"context"
	"io"
	"strings"

	"github.com/a-h/templ"
)

// ChatProps configures the chat page.
type ChatProps struct {
	Title string
	// WebSocketPath is the path the client connects to, e.g. "/ws".
	WebSocketPath string
	// Nonce is the CSP nonce attached to the inline script.
	Nonce string
	// RequireToken shows the session token field.
	RequireToken bool
}

// Chat renders the listener chat page.
func Chat(props ChatProps) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b strings.Builder
		b.WriteString("<!doctype html>\n<html lang=\"en\">\n<head>\n<meta charset=\"utf-8\">\n")
		b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
		b.WriteString("<title>" + templ.EscapeString(props.Title) + "</title>\n")
		b.WriteString(chatStyle)
		b.WriteString("</head>\n<body data-ws-path=\"" + templ.EscapeString(props.WebSocketPath) + "\">\n")
		b.WriteString("<main class=\"chat\">\n<header>\n<h1>" + templ.EscapeString(props.Title) + "</h1>\n")
		b.WriteString("<span id=\"listeners\" class=\"listeners\">0 listening</span>\n</header>\n")
		b.WriteString("<form id=\"join\" class=\"join\">\n")
		b.WriteString("<input id=\"username\" name=\"username\" placeholder=\"Your name\" maxlength=\"64\" required>\n")
		if props.RequireToken {
			b.WriteString("<input id=\"token\" name=\"token\" placeholder=\"Session token\" type=\"password\" required>\n")
		}
		b.WriteString("<button type=\"submit\">Join</button>\n</form>\n")
		b.WriteString("<ol id=\"messages\" class=\"messages\" aria-live=\"polite\"></ol>\n")
		b.WriteString("<form id=\"send\" class=\"send\" hidden>\n")
		b.WriteString("<input id=\"message\" name=\"message\" placeholder=\"Say something\" maxlength=\"500\" autocomplete=\"off\">\n")
		b.WriteString("<button type=\"submit\">Send</button>\n</form>\n</main>\n")
		b.WriteString("<script nonce=\"" + templ.EscapeString(props.Nonce) + "\">" + chatScript + "</script>\n")
		b.WriteString("</body>\n</html>\n")

		_, err := io.WriteString(w, b.String())
		return err
	})
}

const chatStyle = `<style>
body { font-family: system-ui, sans-serif; margin: 0; background: #f6f4f0; color: #222; }
.chat { max-width: 40rem; margin: 0 auto; padding: 1rem; display: flex; flex-direction: column; height: 100vh; box-sizing: border-box; }
header { display: flex; justify-content: space-between; align-items: baseline; }
.listeners { color: #666; font-size: .9rem; }
.messages { flex: 1; overflow-y: auto; list-style: none; padding: 0; margin: 1rem 0; }
.messages li { padding: .25rem 0; }
.messages .system { color: #777; font-style: italic; }
.messages time { color: #999; font-size: .8rem; margin-right: .5rem; }
.join, .send { display: flex; gap: .5rem; }
.join input, .send input { flex: 1; padding: .5rem; }
</style>
`

const chatScript = `
(function () {
  var wsPath = document.body.dataset.wsPath || "/ws";
  var clientId = localStorage.getItem("radiochat.clientId");
  if (!clientId) {
    clientId = (crypto.randomUUID && crypto.randomUUID()) || String(Date.now()) + Math.random().toString(16).slice(2);
    localStorage.setItem("radiochat.clientId", clientId);
  }
  var username = "";
  var socket = null;
  var list = document.getElementById("messages");
  var listeners = document.getElementById("listeners");

  function append(cls, text, ts) {
    var li = document.createElement("li");
    li.className = cls;
    if (ts) {
      var t = document.createElement("time");
      t.textContent = new Date(ts).toLocaleTimeString();
      li.appendChild(t);
    }
    li.appendChild(document.createTextNode(text));
    list.appendChild(li);
    list.scrollTop = list.scrollHeight;
  }

  function connect(token) {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    socket = new WebSocket(proto + location.host + wsPath);
    socket.onopen = function () {
      var frame = { type: "register", clientId: clientId, username: username };
      if (token) { frame.token = token; }
      socket.send(JSON.stringify(frame));
    };
    socket.onmessage = function (ev) {
      var f = JSON.parse(ev.data);
      if (f.type === "listenerCount") {
        listeners.textContent = f.count + " listening";
      } else if (f.type === "system") {
        append("system", f.message, f.timestamp);
      } else if (f.type === "chat") {
        append("chat", f.username + ": " + f.message, f.timestamp);
      }
    };
    socket.onclose = function () {
      append("system", "Disconnected.");
      document.getElementById("send").hidden = true;
      document.getElementById("join").hidden = false;
    };
  }

  document.getElementById("join").addEventListener("submit", function (ev) {
    ev.preventDefault();
    username = document.getElementById("username").value.trim();
    var tokenInput = document.getElementById("token");
    connect(tokenInput ? tokenInput.value.trim() : "");
    document.getElementById("join").hidden = true;
    document.getElementById("send").hidden = false;
  });

  document.getElementById("send").addEventListener("submit", function (ev) {
    ev.preventDefault();
    var input = document.getElementById("message");
    var text = input.value.trim();
    if (!text || !socket || socket.readyState !== WebSocket.OPEN) { return; }
    socket.send(JSON.stringify({ type: "chat", clientId: clientId, username: username, message: text }));
    input.value = "";
  });
})();
`
