package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDMeta is stored on the second line of a pid file. StartUnix guards
// against the pid being reused by an unrelated process.
type PIDMeta struct {
	StartUnix int64  `json:"start_unix"`
	Command   string `json:"command,omitempty"`
}

// WritePIDFile writes "<pid>\n<meta json>\n" atomically.
func WritePIDFile(path string, pid int, command string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, err := json.Marshal(PIDMeta{StartUnix: StartUnix(pid), Command: command})
	if err != nil {
		return err
	}
	body := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadPIDFile reads a pid file. Files holding only a pid return a zero meta.
func ReadPIDFile(path string) (int, PIDMeta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, PIDMeta{}, err
	}
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, PIDMeta{}, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	var meta PIDMeta
	if line, _, _ := strings.Cut(strings.TrimSpace(rest), "\n"); line != "" {
		_ = json.Unmarshal([]byte(line), &meta)
	}
	return pid, meta, nil
}

// PIDFileDetector detects a process via a pid file written by WritePIDFile.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	pid, meta, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if meta.StartUnix > 0 {
		if cur := StartUnix(pid); cur > 0 && cur != meta.StartUnix {
			return false, nil
		}
	}
	return pidAlive(pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }
