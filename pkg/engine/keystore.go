package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

const keystoreTool = "engine-keystore"

// Keystore manages the engine's secure settings store, where plugin
// credentials live instead of plain config.
type Keystore struct {
	svc *Service
	api *Client
}

// NewKeystore creates a keystore manager over the engine's tooling and
// API.
func NewKeystore(svc *Service, api *Client) *Keystore {
	return &Keystore{svc: svc, api: api}
}

// List returns the keys currently in the keystore.
func (k *Keystore) List(ctx context.Context) ([]string, error) {
	out, err := k.svc.RunBin(ctx, keystoreTool, "list")
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			keys = append(keys, line)
		}
	}
	return keys, nil
}

// Add writes entries into the keystore and reloads secure settings.
// Values travel over stdin so they never appear in the process table.
func (k *Keystore) Add(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	for key, value := range entries {
		if _, err := k.svc.RunBinInput(ctx, value+"\n", keystoreTool, "add", "--force", "--stdin", key); err != nil {
			return err
		}
	}
	return k.Reload(ctx)
}

// Delete removes keys from the keystore, ignoring absent ones, and
// reloads secure settings.
func (k *Keystore) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	for _, key := range keys {
		if _, err := k.svc.RunBin(ctx, keystoreTool, "remove", key); err != nil {
			var cmdErr *CmdError
			if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Output, "does not exist") {
				continue
			}
			return err
		}
	}
	return k.Reload(ctx)
}

// Reload asks every node to re-read its secure settings.
func (k *Keystore) Reload(ctx context.Context) error {
	return k.api.Request(ctx, http.MethodPost, "/_nodes/reload_secure_settings", nil, nil)
}
