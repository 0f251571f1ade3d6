package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/panesync/internal/external"
	"github.com/danmuck/panesync/internal/protocol/jsonrpc"
	"github.com/spf13/pflag"
)

const defaultHTTPAddr = "127.0.0.1:59650"

// endpoint selects how panectl reaches the owner.
type endpoint struct {
	addr      string
	transport string
	timeout   time.Duration
	compact   bool
}

func (e *endpoint) addFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&e.addr, "addr", "a", defaultHTTPAddr, "owner external address (HTTP port for http|ws, TCP port for ndjson)")
	flags.StringVarP(&e.transport, "transport", "t", "ws", "transport: http|ws|ndjson")
	flags.DurationVar(&e.timeout, "timeout", 10*time.Second, "call timeout")
	flags.BoolVar(&e.compact, "compact", false, "request compact helper references")
}

func (e *endpoint) dial(ctx context.Context) (*external.Client, error) {
	switch e.transport {
	case "ws":
		return external.DialWebSocket(ctx, "ws://"+e.addr+"/ws")
	case "ndjson":
		return external.DialNDJSON(ctx, e.addr)
	default:
		return nil, fmt.Errorf("transport %q cannot hold a session", e.transport)
	}
}

func parseCallArgs(name string, args []string) (endpoint, []string, error) {
	var ep endpoint
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	ep.addFlags(flags)
	if err := flags.Parse(args); err != nil {
		return ep, nil, err
	}
	rest := flags.Args()
	if len(rest) < 2 {
		return ep, nil, fmt.Errorf("%w: %s needs <resource> <method>", errUsage, name)
	}
	return ep, rest, nil
}

func buildRequest(ep endpoint, rest []string) (jsonrpc.Request, error) {
	args := make([]any, 0, len(rest)-2)
	for _, a := range rest[2:] {
		args = append(args, cliArg(a))
	}
	req, err := jsonrpc.NewRequest(rest[0], rest[1], args...)
	if err != nil {
		return jsonrpc.Request{}, err
	}
	req.Params.CompactMode = ep.compact
	return req, nil
}

// cliArg passes valid JSON through and quotes everything else.
func cliArg(a string) any {
	if json.Valid([]byte(a)) {
		return json.RawMessage(a)
	}
	return a
}

func runCall(args []string) error {
	ep, rest, err := parseCallArgs("call", args)
	if err != nil {
		return err
	}
	req, err := buildRequest(ep, rest)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), ep.timeout)
	defer cancel()

	var result json.RawMessage
	if ep.transport == "http" {
		result, err = postRPC(ctx, ep.addr, req)
	} else {
		var c *external.Client
		if c, err = ep.dial(ctx); err != nil {
			return err
		}
		defer c.Close()
		result, err = c.Do(ctx, req)
	}
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runWatch(args []string) error {
	ep, rest, err := parseCallArgs("watch", args)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, ep.timeout)
	defer cancel()
	c, err := ep.dial(dialCtx)
	if err != nil {
		return err
	}
	defer c.Close()

	callArgs := make([]any, 0, len(rest)-2)
	for _, a := range rest[2:] {
		callArgs = append(callArgs, cliArg(a))
	}
	sub, err := c.Subscribe(dialCtx, rest[0], rest[1], func(raw json.RawMessage) {
		_ = printJSON(raw)
	}, callArgs...)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "watching %s (ctrl-c to stop)\n", sub.Token)

	select {
	case <-ctx.Done():
		unsubCtx, cancel := context.WithTimeout(context.Background(), ep.timeout)
		defer cancel()
		return sub.Unsubscribe(unsubCtx)
	case <-c.Done():
		return fmt.Errorf("connection closed")
	}
}

func runResources(args []string) error {
	var ep endpoint
	flags := pflag.NewFlagSet("resources", pflag.ContinueOnError)
	ep.addFlags(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), ep.timeout)
	defer cancel()

	target := "http://" + ep.addr + "/resources"
	if rest := flags.Args(); len(rest) > 0 {
		target = "http://" + ep.addr + "/scheme?resource=" + url.QueryEscape(rest[0])
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return printJSON(body)
}

func postRPC(ctx context.Context, addr string, req jsonrpc.Request) (json.RawMessage, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/rpc", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpResp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	var resp jsonrpc.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%s: %w", httpResp.Status, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func printJSON(raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = os.Stdout.Write(append(raw, '\n'))
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(os.Stdout)
	return err
}
