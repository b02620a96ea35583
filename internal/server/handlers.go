// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"fmt"
	"net/http"
)

// WebSocketHandler upgrades the request to a WebSocket connection and hands
// it to the relay. The relay registers the client, replays history and runs
// its read loop until the connection closes.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, r.RemoteAddr, s.cfg, s.metrics, s.logger)
	s.relay.Attach(client)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Chat relay is running!")
}

// TestPageHandler serves a minimal browser client for the relay protocol:
// it renders the history frame received on join and every broadcast line.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPageHTML)
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Chat Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .history-message { color: gray; }
        .my-message { color: blue; }
        .other-message { color: green; }
        .info-message { font-style: italic; color: #721c24; }
    </style>
</head>
<body>
    <h1>Chat Relay Test</h1>

    <div>
        <input type="text" id="nameInput" placeholder="Your name">
        <button id="connectButton" onclick="connect()">Connect</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        let username = '';
        const messagesDiv = document.getElementById('messages');
        const nameInput = document.getElementById('nameInput');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');

        function addMessage(text, className) {
            const el = document.createElement('div');
            el.className = className;
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function classify(text) {
            if (text.includes('] ' + username + ': ')) {
                return 'my-message';
            }
            return 'other-message';
        }

        function connect() {
            username = nameInput.value.trim();
            if (username === '' || ws) {
                return;
            }
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');

            ws.onopen = function() {
                messageInput.disabled = false;
                sendButton.disabled = false;
            };

            ws.onmessage = function(event) {
                try {
                    const frame = JSON.parse(event.data);
                    if (frame.type === 'history') {
                        frame.messages.forEach(function(m) { addMessage(m, 'history-message'); });
                        return;
                    }
                } catch (e) {
                    // broadcasts are plain text
                }
                addMessage(event.data, classify(event.data));
            };

            ws.onclose = function() {
                addMessage('Connection to the relay was lost. Reconnect to continue.', 'info-message');
                messageInput.disabled = true;
                sendButton.disabled = true;
                ws = null;
            };
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(username + ': ' + text);
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keydown', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
