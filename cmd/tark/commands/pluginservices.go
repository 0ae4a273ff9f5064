package commands

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/tarkshell/tark/internal/storage"
)

// hostServices implements plugin.HostServices against the process's own
// storage, environment, and a shell — the concrete host side of the
// capability-checked calls a loaded plugin.Instance is allowed to make.
// Capability checks themselves already happened in plugin.Host before a
// call reaches here; this type only does the work.
type hostServices struct {
	store *storage.Storage
}

func newHostServices(store *storage.Storage) *hostServices {
	return &hostServices{store: store}
}

func (h *hostServices) StorageGet(key string) (string, bool, error) {
	var value string
	if err := h.store.Get(context.Background(), []string{"plugin", key}, &value); err != nil {
		if err == storage.ErrNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (h *hostServices) StorageSet(key, value string) error {
	return h.store.Put(context.Background(), []string{"plugin", key}, value)
}

func (h *hostServices) HTTPFetch(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func (h *hostServices) EnvGet(name string) (string, bool) {
	return os.LookupEnv(name)
}

func (h *hostServices) ShellExec(ctx context.Context, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		err = nil
	}
	return stdout.String(), stderr.String(), exitCode, err
}

func (h *hostServices) FSRead(path string) ([]byte, error) {
	return os.ReadFile(path)
}
