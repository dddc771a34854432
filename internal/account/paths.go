package account

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.sessync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sessync")
}

// Dir returns the account-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "accounts", name)
}

// SocketPath returns the control socket path for an account.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// DBPath returns the account's local database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "sessync.db")
}

// KeyPath returns the account key file path.
func KeyPath(name string) string {
	return filepath.Join(Dir(name), "keys.toml")
}

// LogDir returns the log directory for an account.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "sessyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the account directory tree with owner-only permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
