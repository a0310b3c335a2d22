// Command fetchguardctl is a thin HTTP client over fetchguardd's
// Submission API, in the same flag-subcommand spirit as the teacher's
// cli/cmd/ariadne binary: one binary, one job (submit/get/cancel/
// stats), no interactive shell.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "submit":
		runSubmit(os.Args[2:])
	case "get":
		runGet(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "-h", "-help", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `fetchguardctl <subcommand> [flags]

Subcommands:
  submit   Submit a job: -domain, -url, -strategy, -priority, -idempotency-key
  get      Fetch a job's status: -id
  cancel   Cancel a pending/running job: -id
  stats    Show queue and worker stats`)
}

func baseURL(fs *flag.FlagSet) *string {
	return fs.String("server", envOr("FETCHGUARDCTL_SERVER", "http://127.0.0.1:8080"), "fetchguardd Submission API base URL")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	server := baseURL(fs)
	domain := fs.String("domain", "", "target domain (required)")
	target := fs.String("url", "", "target URL (required)")
	strategy := fs.String("strategy", "vanilla", "execution strategy")
	priority := fs.Int("priority", 2, "0=emergency 1=high 2=normal 3=low")
	idempotencyKey := fs.String("idempotency-key", "", "optional dedupe key")
	_ = fs.Parse(args)

	if *domain == "" || *target == "" {
		fmt.Fprintln(os.Stderr, "submit: -domain and -url are required")
		os.Exit(1)
	}

	q := url.Values{}
	q.Set("domain", *domain)
	q.Set("url", *target)
	q.Set("strategy", *strategy)
	q.Set("priority", strconv.Itoa(*priority))
	if *idempotencyKey != "" {
		q.Set("idempotency_key", *idempotencyKey)
	}

	resp := doRequest(http.MethodPost, *server+"/jobs?"+q.Encode(), nil)
	printJSON(resp)
}

func runGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	server := baseURL(fs)
	id := fs.String("id", "", "job id (required)")
	_ = fs.Parse(args)

	if *id == "" {
		fmt.Fprintln(os.Stderr, "get: -id is required")
		os.Exit(1)
	}
	resp := doRequest(http.MethodGet, *server+"/jobs/"+*id, nil)
	printJSON(resp)
}

func runCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	server := baseURL(fs)
	id := fs.String("id", "", "job id (required)")
	_ = fs.Parse(args)

	if *id == "" {
		fmt.Fprintln(os.Stderr, "cancel: -id is required")
		os.Exit(1)
	}
	resp := doRequest(http.MethodDelete, *server+"/jobs/"+*id, nil)
	printJSON(resp)
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	server := baseURL(fs)
	_ = fs.Parse(args)

	resp := doRequest(http.MethodGet, *server+"/queue/stats", nil)
	printJSON(resp)
}

func doRequest(method, addr string, body io.Reader) []byte {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequest(method, addr, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read response: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "server returned %s: %s\n", resp.Status, data)
		os.Exit(1)
	}
	return data
}

func printJSON(data []byte) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Println(string(data))
		return
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(string(pretty))
}
