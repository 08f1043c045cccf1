// Command sandboxctl is the gateway control CLI. It talks to gatewayd's
// operator control API (status/history) and execution endpoint (run).
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"sandboxgate/pkg/gateway"
)

const version = "1.0.0"

func main() {
	controlURL := flag.String("control", "http://localhost:8091", "gatewayd control API URL")
	execURL := flag.String("exec", "http://localhost:8090", "gatewayd execution endpoint URL")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "sandboxctl v%s - gateway control interface\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: sandboxctl [options] <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  status              Show gateway status\n")
		fmt.Fprintf(os.Stderr, "  history             View recent execution summaries\n")
		fmt.Fprintf(os.Stderr, "  run <file> [token]  Execute a source file\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	client := &Client{controlBaseURL: *controlURL, execBaseURL: *execURL}

	switch command := flag.Arg(0); command {
	case "status":
		if err := client.Status(); err != nil {
			fatal("status: %v", err)
		}
	case "history":
		if err := client.History(); err != nil {
			fatal("history: %v", err)
		}
	case "run":
		if flag.NArg() < 2 {
			fatal("run requires a source file path")
		}
		token := ""
		if flag.NArg() >= 3 {
			token = flag.Arg(2)
		}
		if err := client.Run(flag.Arg(1), token); err != nil {
			fatal("run: %v", err)
		}
	default:
		fatal("unknown command: %s", command)
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// Client is the HTTP client for gatewayd's control and execution APIs.
type Client struct {
	controlBaseURL string
	execBaseURL    string
}

// Status displays the gateway's process status.
func (c *Client) Status() error {
	resp, err := http.Get(c.controlBaseURL + "/status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return err
	}

	fmt.Printf("Status:            %v\n", data["status"])
	fmt.Printf("Uptime (s):        %v\n", data["uptimeSeconds"])
	fmt.Printf("Active executions: %v\n", data["activeExecutions"])
	return nil
}

// History displays recent execution summaries.
func (c *Client) History() error {
	resp, err := http.Get(c.controlBaseURL + "/history")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var entries []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("No execution history")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEXECUTION ID\tSUCCESS\tEXIT\tDURATION (ms)")
	for _, e := range entries {
		ts := ""
		if raw, ok := e["timestamp"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				ts = t.Format("15:04:05")
			}
		}
		fmt.Fprintf(w, "%s\t%v\t%v\t%v\t%v\n",
			ts, e["executionId"], e["success"], e["exitCode"], e["executionTime"])
	}
	w.Flush()
	return nil
}

// Run submits a source file for execution and prints its result.
func (c *Client) Run(path, token string) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read source file: %w", err)
	}

	reqBody, err := json.Marshal(gateway.ExecutionRequest{
		Code:           string(code),
		Timeout:        30000,
		PrincipalToken: token,
	})
	if err != nil {
		return err
	}

	resp, err := http.Post(c.execBaseURL+"/execute", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result gateway.ExecutionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return err
	}

	fmt.Printf("Success:   %v\n", result.Success)
	fmt.Printf("Exit code: %d\n", result.ExitCode)
	fmt.Printf("Duration:  %.0fms\n", result.ExecutionTime)
	if result.PolicyNote != "" {
		fmt.Printf("Policy:    %s\n", result.PolicyNote)
	}
	fmt.Println("--- stdout ---")
	fmt.Println(result.Stdout)
	fmt.Println("--- stderr ---")
	fmt.Println(result.Stderr)
	if len(result.NetworkLog) > 0 {
		fmt.Printf("--- network log (%d entries) ---\n", len(result.NetworkLog))
		for _, entry := range result.NetworkLog {
			fmt.Printf("  %s %s %s -> %d (blocked=%v)\n", entry.Method, entry.Hostname, entry.Path, entry.StatusCode, entry.Blocked)
		}
	}
	return nil
}
