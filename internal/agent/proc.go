package agent

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// ProcOwners resolves the OS user running a process from procfs.
type ProcOwners struct {
	// Root is the procfs mount, /proc when empty.
	Root string
	// Lookup maps a uid to a username. Defaults to os/user.
	Lookup func(uid string) (string, error)
}

func (p ProcOwners) Owner(pid int) (string, error) {
	root := p.Root
	if root == "" {
		root = "/proc"
	}
	uid, err := statusUID(filepath.Join(root, fmt.Sprint(pid), "status"))
	if err != nil {
		return "", err
	}

	lookup := p.Lookup
	if lookup == nil {
		lookup = lookupUsername
	}
	return lookup(uid)
}

// statusUID returns the real uid from a /proc/<pid>/status file.
func statusUID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 || parts[0] != "Uid:" {
			continue
		}
		return parts[1], nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no Uid line in %s", path)
}

func lookupUsername(uid string) (string, error) {
	u, err := user.LookupId(uid)
	if err != nil {
		return "", err
	}
	return u.Username, nil
}
