package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type StatusCmdOpts struct {
	Addr  string
	Token string
}

// RunStatusCmd fetches /status from a running head and pretty-prints it.
func RunStatusCmd(ctx context.Context, opts *StatusCmdOpts) error {
	baseURL, err := normalizeAddr(opts.Addr)
	if err != nil {
		return err
	}

	client := resty.New()
	client.SetRetryCount(0)
	client.SetTimeout(5 * time.Second)
	defer client.GetClient().CloseIdleConnections()

	req := client.R().SetContext(ctx)
	if opts.Token != "" {
		req.SetHeader("Authorization", "Bearer "+opts.Token)
	}

	var status map[string]any
	resp, err := req.SetResult(&status).Get(baseURL + "/status")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("status request failed: %s: %s", resp.Status(), resp.String())
	}

	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func normalizeAddr(from string) (string, error) {
	if strings.HasPrefix(from, "http://") || strings.HasPrefix(from, "https://") {
		return from, nil
	}
	host, port, err := net.SplitHostPort(from)
	if err != nil {
		return "", err
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%s", host, port), nil
}
