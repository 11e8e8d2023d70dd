// Package lock guarantees a single running sync client per profile.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// FileName is the lock file created inside the profile directory.
const FileName = "LOCK"

// Owner is the record a running client writes into its profile lock.
type Owner struct {
	Profile string
	PID     int
	Command string
	Since   time.Time
}

func (o Owner) encode() string {
	return fmt.Sprintf("profile=%s\npid=%d\ncommand=%s\nsince=%s\n",
		o.Profile, o.PID, o.Command, o.Since.UTC().Format(time.RFC3339))
}

// parseOwner reads a lock record. Unknown or malformed lines are skipped so a
// partially written file still yields what it can.
func parseOwner(content string) Owner {
	var o Owner
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "profile":
			o.Profile = value
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "command":
			o.Command = value
		case "since", "time":
			o.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return o
}

// HeldError is returned when another client is already running on the profile.
type HeldError struct {
	Path  string
	Owner Owner
}

func (e *HeldError) Error() string {
	o := e.Owner
	var b strings.Builder
	if o.Profile != "" {
		fmt.Fprintf(&b, "profile %q is in use", o.Profile)
	} else {
		fmt.Fprintf(&b, "profile lock %s is held", e.Path)
	}
	if o.PID > 0 {
		fmt.Fprintf(&b, " by pid %d", o.PID)
	}
	if o.Command != "" {
		fmt.Fprintf(&b, " (%s)", o.Command)
	}
	if !o.Since.IsZero() {
		fmt.Fprintf(&b, " since %s", o.Since.Local().Format(time.DateTime))
	}
	b.WriteString("; stop that client or pass another --profile")
	return b.String()
}

// Lock is a held profile lock.
type Lock struct {
	file  *os.File
	path  string
	owner Owner
}

// Acquire takes the exclusive lock of profileName stored in dir. It returns
// *HeldError naming the current owner when another process holds it.
func Acquire(dir, profileName string) (*Lock, error) {
	lockPath := filepath.Join(dir, FileName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("flock %s: %w", lockPath, err)
		}
		data, _ := os.ReadFile(lockPath)
		held := &HeldError{Path: lockPath, Owner: parseOwner(string(data))}
		if held.Owner.Profile == "" {
			held.Owner.Profile = profileName
		}
		return nil, held
	}

	owner := Owner{
		Profile: profileName,
		PID:     os.Getpid(),
		Command: filepath.Base(os.Args[0]),
		Since:   time.Now().Truncate(time.Second),
	}
	if err := writeRecord(f, owner); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock record: %w", err)
	}
	return &Lock{file: f, path: lockPath, owner: owner}, nil
}

func writeRecord(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := f.WriteString(o.encode())
	return err
}

// Owner returns the record written for this process.
func (l *Lock) Owner() Owner {
	return l.owner
}

// Release drops the lock and removes the file. Safe on a nil receiver and
// when called twice.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}
