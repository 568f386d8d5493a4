package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

const defaultAPIUrl = "http://127.0.0.1:8480/api"

// APIClient talks to a running pegstudy daemon.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = defaultAPIUrl
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

// Status returns the raw /status document.
func (c *APIClient) Status() (map[string]any, error) {
	resp, err := c.client.Get(c.baseURL + "/status")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkResponse(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return out, nil
}

// ReleaseAll releases every canetroller brake.
func (c *APIClient) ReleaseAll() error {
	resp, err := c.client.Post(c.baseURL+"/canetroller/release-all", "application/json", bytes.NewReader(nil))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkResponse(resp, http.StatusOK)
}

func checkResponse(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	var errorResp struct {
		Error string `json:"error"`
	}
	body, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(body, &errorResp) == nil && errorResp.Error != "" {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, errorResp.Error)
	}
	return fmt.Errorf("API error: status %d", resp.StatusCode)
}

func createStatusCommand(flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker status of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := NewAPIClient(flags.APIUrl, flags.APITimeout).Status()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

func createReleaseAllCommand(flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release-all",
		Short: "Release every canetroller brake on a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := NewAPIClient(flags.APIUrl, flags.APITimeout).ReleaseAll(); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "released")
			return err
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}
