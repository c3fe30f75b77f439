package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/morganlombard/Virtual-Game-Table/internal/persistence/snapshot"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "relay base url")
	_ = fs.Parse(args)
	call(http.MethodGet, *baseURL, "/admin/v1/state", nil, 5*time.Second)
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "relay base url")
	_ = fs.Parse(args)
	call(http.MethodPost, *baseURL, "/admin/v1/snapshot", nil, 10*time.Second)
}

func kickCmd(args []string) {
	fs := flag.NewFlagSet("kick", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "relay base url")
	clientID := fs.Int("client", 0, "client id to kick")
	reason := fs.String("reason", "", "reason shown to the client")
	_ = fs.Parse(args)
	if *clientID <= 0 {
		fmt.Fprintln(os.Stderr, "missing -client")
		os.Exit(2)
	}
	call(http.MethodPost, *baseURL, "/admin/v1/kick", map[string]any{"client_id": *clientID, "reason": *reason}, 5*time.Second)
}

func sayCmd(args []string) {
	fs := flag.NewFlagSet("say", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "relay base url")
	_ = fs.Parse(args)
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		fmt.Fprintln(os.Stderr, "usage: admin say [-url ...] text")
		os.Exit(2)
	}
	call(http.MethodPost, *baseURL, "/admin/v1/say", map[string]any{"text": text}, 5*time.Second)
}

// dumpCmd prints the header of a snapshot dump, or the whole table with -full.
func dumpCmd(args []string) {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	full := fs.Bool("full", false, "print the whole snapshot, not just the header")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin dump [-full] path.snap.zst")
		os.Exit(2)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if !*full {
		h, err := snapshot.ReadHeader(fs.Arg(0))
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		_ = enc.Encode(h)
		return
	}
	d, err := snapshot.ReadSnapshot(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	_ = enc.Encode(d)
}

func call(method, baseURL, path string, body any, timeout time.Duration) {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, u, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
