// Command summitctl is a thin HTTP client over summitd's control API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "peers":
		peersCmd(args)
	case "status":
		statusCmd(args)
	case "trust":
		trustCmd(args)
	case "messages":
		messagesCmd(args)
	case "send":
		sendCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("summitctl - control client for a running summitd")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  summitctl peers [flags]                        - list known peers")
	fmt.Println("  summitctl status [flags]                       - show node status")
	fmt.Println("  summitctl trust <peer_key_hex> <action> [flags] - trust/block/unblock a peer")
	fmt.Println("  summitctl messages <peer_key_hex> [flags]      - list stored messages from a peer")
	fmt.Println("  summitctl send <peer_key_hex> <schema> <data_base64>  - send base64-encoded data to a peer")
	fmt.Println()
	fmt.Println("Run 'summitctl <command> -h' for command-specific help")
}

func addrFlag(fs *flag.FlagSet) *string {
	return fs.String("addr", "http://127.0.0.1:7780", "summitd control API address")
}

func peersCmd(args []string) {
	fs := flag.NewFlagSet("peers", flag.ExitOnError)
	addr := addrFlag(fs)
	fs.Parse(args)
	getJSON(*addr, "/peers")
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := addrFlag(fs)
	fs.Parse(args)
	getJSON(*addr, "/status")
}

func trustCmd(args []string) {
	fs := flag.NewFlagSet("trust", flag.ExitOnError)
	addr := addrFlag(fs)
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 2 {
		fmt.Fprintln(os.Stderr, "usage: summitctl trust <peer_key_hex> <trust|block|unblock>")
		os.Exit(1)
	}
	body, err := json.Marshal(map[string]string{"action": rest[1]})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode request: %v\n", err)
		os.Exit(1)
	}
	postJSON(*addr, "/trust/"+rest[0], body)
}

func messagesCmd(args []string) {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	addr := addrFlag(fs)
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: summitctl messages <peer_key_hex>")
		os.Exit(1)
	}
	getJSON(*addr, "/messages/"+rest[0])
}

func sendCmd(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	addr := addrFlag(fs)
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 3 {
		fmt.Fprintln(os.Stderr, "usage: summitctl send <peer_key_hex> <schema> <data_base64>")
		os.Exit(1)
	}
	body, err := json.Marshal(map[string]string{
		"peer_key":    rest[0],
		"schema":      rest[1],
		"data_base64": rest[2],
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode request: %v\n", err)
		os.Exit(1)
	}
	postJSON(*addr, "/send", body)
}

func getJSON(addr, path string) {
	resp, err := http.Get(addr + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printResponse(resp)
}

func postJSON(addr, path string, body []byte) {
	resp, err := http.Post(addr+path, "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printResponse(resp)
}

func printResponse(resp *http.Response) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read response: %v\n", err)
		os.Exit(1)
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}
