// Command dabctl is a small remote-control probe for a running daboutputd:
// it reads or writes a single named parameter over the daemon's
// /api/param HTTP surface.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type paramRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func main() {
	log.SetFlags(0)

	addr := flag.String("addr", "http://127.0.0.1:8090", "daboutputd control address")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}

	client := &http.Client{Timeout: *timeout}

	var err error
	switch cmd := args[0]; cmd {
	case "get":
		err = runGet(client, *addr, args[1])
	case "set":
		if len(args) < 3 {
			usage()
			os.Exit(2)
		}
		err = runSet(client, *addr, args[1], strings.Join(args[2:], " "))
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("dabctl: %v", err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: dabctl [-addr url] [-timeout d] get NAME
       dabctl [-addr url] [-timeout d] set NAME VALUE

Examples:
  dabctl get muting
  dabctl -addr http://10.0.0.5:8090 set channel "BBC R1"
`)
}

func runGet(client *http.Client, base, name string) error {
	u := strings.TrimRight(base, "/") + "/api/param?" + url.Values{"name": {name}}.Encode()
	resp, err := client.Get(u)
	if err != nil {
		return fmt.Errorf("get %s: %w", name, err)
	}
	defer resp.Body.Close()

	param, err := decodeParam(resp)
	if err != nil {
		return err
	}
	fmt.Println(param.Value)
	return nil
}

func runSet(client *http.Client, base, name, value string) error {
	body, err := json.Marshal(paramRequest{Name: name, Value: value})
	if err != nil {
		return err
	}
	u := strings.TrimRight(base, "/") + "/api/param"
	resp, err := client.Post(u, "application/json", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	defer resp.Body.Close()

	param, err := decodeParam(resp)
	if err != nil {
		return err
	}
	fmt.Printf("%s = %s\n", param.Name, param.Value)
	return nil
}

func decodeParam(resp *http.Response) (paramRequest, error) {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return paramRequest{}, fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var param paramRequest
	if err := json.NewDecoder(resp.Body).Decode(&param); err != nil {
		return paramRequest{}, fmt.Errorf("decode response: %w", err)
	}
	return param, nil
}
