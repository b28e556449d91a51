package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/me/cycleflow/pkg/model"
)

// Contact is written by a running scheduler so that other commands can find
// and authenticate to it.
type Contact struct {
	Workflow string    `json:"workflow"`
	UUID     string    `json:"uuid"`
	URL      string    `json:"url"`
	Token    string    `json:"token"`
	PID      int       `json:"pid"`
	Host     string    `json:"host"`
	Version  string    `json:"version"`
	Started  time.Time `json:"started"`
}

// ContactPath returns the contact file location of a run directory.
func ContactPath(runDir string) string {
	return filepath.Join(runDir, ".service", "contact.json")
}

// WriteContact writes the contact file, readable by the owner only.
func WriteContact(runDir string, c *Contact) error {
	path := ContactPath(runDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create service dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write contact file: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadContact reads the contact file. It returns fs.ErrNotExist when the
// workflow is not running.
func ReadContact(runDir string) (*Contact, error) {
	data, err := os.ReadFile(ContactPath(runDir))
	if err != nil {
		return nil, err
	}
	var c Contact
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse contact file: %w", err)
	}
	return &c, nil
}

// RemoveContact deletes the contact file if present.
func RemoveContact(runDir string) error {
	err := os.Remove(ContactPath(runDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// CheckNotRunning returns *model.AlreadyRunningError if the contact file
// names a scheduler that still answers. A stale contact file is removed.
func CheckNotRunning(ctx context.Context, runDir string) error {
	c, err := ReadContact(runDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		logger.Warn("unreadable contact file, removing", "path", ContactPath(runDir), "error", err)
		return RemoveContact(runDir)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"/api/v1/health", nil)
	if err != nil {
		return RemoveContact(runDir)
	}
	resp, err := http.DefaultClient.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return &model.AlreadyRunningError{RunDir: runDir, Addr: c.URL}
		}
	}
	logger.Info("removing stale contact file", "path", ContactPath(runDir), "pid", c.PID)
	return RemoveContact(runDir)
}
