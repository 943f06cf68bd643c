package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mountebank-testing/imposters/internal/config"
	"github.com/spf13/cobra"
)

func addClientFlags(cmd *cobra.Command) {
	defaults := config.Defaults()
	cmd.Flags().Int("port", defaults.Port, "port of the running mountebank server")
	cmd.Flags().String("host", defaults.Host, "host of the running mountebank server")
}

// adminClient talks to a running mountebank server
type adminClient struct {
	baseURL string
	client  *http.Client
}

func newAdminClient(cmd *cobra.Command) *adminClient {
	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")
	return &adminClient{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type impostersBody struct {
	Imposters []map[string]interface{} `json:"imposters"`
}

func (c *adminClient) do(ctx context.Context, method, path string, body interface{}) (*impostersBody, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to mountebank at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(data))
	}

	var result impostersBody
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return &result, nil
}

func runSave(cmd *cobra.Command, _ []string) error {
	saveFile, _ := cmd.Flags().GetString("savefile")
	removeProxies, _ := cmd.Flags().GetBool("removeProxies")

	path := fmt.Sprintf("/imposters?replayable=true&removeProxies=%t", removeProxies)
	body, err := newAdminClient(cmd).do(cmd.Context(), http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	if err := config.SaveImposters(saveFile, body.Imposters); err != nil {
		return err
	}
	fmt.Printf("Saved %d imposters to %s\n", len(body.Imposters), saveFile)
	return nil
}

// runReplay swaps every imposter for its replayable definition without
// proxies, so recorded responses are served from then on
func runReplay(cmd *cobra.Command, _ []string) error {
	client := newAdminClient(cmd)

	body, err := client.do(cmd.Context(), http.MethodGet, "/imposters?replayable=true&removeProxies=true", nil)
	if err != nil {
		return err
	}
	if _, err := client.do(cmd.Context(), http.MethodPut, "/imposters", body); err != nil {
		return err
	}
	fmt.Printf("Replaying %d imposters\n", len(body.Imposters))
	return nil
}
