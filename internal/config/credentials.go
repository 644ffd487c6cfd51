package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNoCredentials indicates the machine has not registered yet.
var ErrNoCredentials = errors.New("config: not registered (run \"syncagent register\")")

const credentialsFileName = "credentials.json"

// Credentials is the machine identity issued at registration. The
// token is a bearer secret, so the file is written with 0600
// permissions and never logged.
type Credentials struct {
	ServerURL   string `json:"server_url"`
	MachineID   string `json:"machine_id"`
	MachineName string `json:"machine_name"`
	Token       string `json:"token"`
}

// CredentialsPath returns the credentials file path inside the
// config directory.
func CredentialsPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, credentialsFileName), nil
}

// LoadCredentials reads the credentials file at path. A missing
// file returns ErrNoCredentials.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("config: parsing credentials %s: %w", path, err)
	}
	if creds.Token == "" || creds.MachineID == "" {
		return nil, fmt.Errorf("config: credentials %s: missing token or machine_id", path)
	}
	return &creds, nil
}

// SaveCredentials writes creds to path atomically with 0600
// permissions. The parent directory is created if needed.
func SaveCredentials(path string, creds *Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encoding credentials: %w", err)
	}
	if err := atomicWriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("config: writing credentials: %w", err)
	}
	return nil
}

// DeleteCredentials removes the credentials file. A missing file is
// not an error.
func DeleteCredentials(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: removing credentials: %w", err)
	}
	return nil
}

// atomicWriteFile writes data to a temp file in the target
// directory, fsyncs it, and renames it into place so readers never
// observe a partial file.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	success = true
	return nil
}
