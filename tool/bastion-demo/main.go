/*
Copyright 2024 Bastion Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command bastion-demo is a toy upstream used in examples: it echoes
// requests as JSON and bounces websocket messages back, so the identity
// headers the gateway injects are easy to observe.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gorilla/websocket"
	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	logutils "github.com/bastionlabs/bastion/lib/utils/log"
)

func main() {
	app := kingpin.New("bastion-demo", "Demo upstream for the Bastion gateway.")
	listenAddr := app.Flag("listen", "Listen address.").Default("127.0.0.1:9000").String()
	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
	logutils.Initialize(logutils.Config{Severity: "info"})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", serveWebSocketEcho)
	mux.HandleFunc("/", serveEcho)

	fmt.Println("demo upstream listening on", *listenAddr)
	if err := http.ListenAndServe(*listenAddr, mux); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

type echoResponse struct {
	Method  string      `json:"method"`
	Path    string      `json:"path"`
	Query   string      `json:"query,omitempty"`
	Subject string      `json:"subject,omitempty"`
	Service string      `json:"service,omitempty"`
	Headers http.Header `json:"headers"`
}

func serveEcho(w http.ResponseWriter, r *http.Request) {
	roundtrip.ReplyJSON(w, http.StatusOK, echoResponse{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Subject: r.Header.Get("X-Bastion-Subject"),
		Service: r.Header.Get("X-Bastion-Service"),
		Headers: r.Header,
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func serveWebSocketEcho(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(messageType, data); err != nil {
			return
		}
	}
}
