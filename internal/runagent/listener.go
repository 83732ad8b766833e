//go:build !windows

// Package runagent implements the IPC endpoint (C7): a local stream socket
// accepting on-demand run requests, with per-request isolation in a forked
// child, and the multiplexed-sleep primitive (§4.11) the main loop uses for
// every suspension point once a listener exists.
package runagent

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/0lmi/execd/internal/execlog"
)

const listenBacklog = 5

// Listener owns the bound IPC endpoint: the filesystem path, the listening
// handle, and the ACL state last applied. Its parent directory is created
// with mode 0750 if absent; any pre-existing socket file at path is
// unlinked before bind, making restart idempotent.
type Listener struct {
	path            string
	ln              *net.UnixListener
	log             *execlog.Logger
	allowedUsers    map[string]struct{}
	localRunCommand string
}

// Disabled reports whether dir is the sentinel value that turns the
// listener off entirely.
func Disabled(dir string) bool {
	return strings.EqualFold(dir, "no")
}

// SocketPath computes the endpoint path from a configured directory
// (stateDir/execd.sockets/runagent.socket by default, or dir/runagent.socket
// if dir is set and not "no").
func SocketPath(stateDir, configuredDir string) string {
	if configuredDir == "" {
		return filepath.Join(stateDir, "execd.sockets", "runagent.socket")
	}
	return filepath.Join(configuredDir, "runagent.socket")
}

// Bind creates the parent directory (mode 0750) if needed, removes any
// stale socket file, creates a UNIX stream socket with a small listen
// backlog (pileups indicate a pathology, not a capacity the listener needs
// to serve), and applies the ACL if allowUsers is non-empty. Bind failure
// is startup-degrading, not fatal: the caller logs it and continues without
// a listener (spec.md §7).
func Bind(path string, allowUsers map[string]struct{}, log *execlog.Logger) (*Listener, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create runagent socket directory: %w", err)
	}
	if err := os.Chmod(dir, 0o750); err != nil {
		log.Degrading("failed to set runagent socket directory permissions", "dir", dir, "error", err)
	}

	if len(path) > 103 { // sizeof(sockaddr_un.sun_path) - 1 on the tightest common platform
		return nil, fmt.Errorf("runagent socket path %q exceeds platform limit", path)
	}

	_ = os.Remove(path) // idempotent restart: drop any predecessor before bind

	fd, err := syscall.Socket(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("create socket: %w", err)
	}
	addr := &syscall.SockaddrUnix{Name: path}
	if err := syscall.Bind(fd, addr); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("bind socket: %w", err)
	}
	if err := syscall.Listen(fd, listenBacklog); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	f := os.NewFile(uintptr(fd), path)
	defer f.Close()
	genericLn, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("wrap socket as listener: %w", err)
	}
	unixLn, ok := genericLn.(*net.UnixListener)
	if !ok {
		genericLn.Close()
		return nil, fmt.Errorf("unexpected listener type %T", genericLn)
	}

	l := &Listener{path: path, ln: unixLn, log: log}

	if len(allowUsers) > 0 {
		if err := l.ApplyACL(allowUsers); err != nil {
			log.Degrading("failed to apply runagent socket ACL", "error", err)
		}
	}

	return l, nil
}

// Path returns the bound endpoint's filesystem path.
func (l *Listener) Path() string { return l.path }

// Close closes the listening handle and unlinks the socket file, the
// orderly-shutdown cleanup described in spec.md §4.10.
func (l *Listener) Close() error {
	err := l.ln.Close()
	_ = os.Remove(l.path)
	return err
}

// ApplyACL grants each user read+write on the socket path and read+execute
// on its parent directory, and records the set applied so a later reload
// can compare against it (idempotent: applying the same set twice has no
// observable effect, since setfacl -m is itself idempotent per entry).
// There is no stable POSIX-ACL Go binding in the dependency corpus this
// module draws on (golang.org/x/sys/unix does not wrap libacl); shelling
// out to setfacl(1) is the conventional approach for a systems daemon
// written in a language without a libacl binding, mirroring the original's
// acl_tools.c at the same abstraction level (a thin wrapper over the
// platform ACL command).
func (l *Listener) ApplyACL(allowUsers map[string]struct{}) error {
	if len(allowUsers) == 0 {
		return nil
	}
	users := sortedKeys(allowUsers)

	rwEntries := aclEntries(users, "rw")
	if err := setfacl(l.path, rwEntries); err != nil {
		return fmt.Errorf("apply socket ACL: %w", err)
	}

	rxEntries := aclEntries(users, "rx")
	if err := setfacl(filepath.Dir(l.path), rxEntries); err != nil {
		return fmt.Errorf("apply parent directory ACL: %w", err)
	}

	l.allowedUsers = allowUsers
	return nil
}

// AllowedUsers returns the user set last successfully applied via ApplyACL.
func (l *Listener) AllowedUsers() map[string]struct{} {
	return l.allowedUsers
}

func aclEntries(users []string, perm string) string {
	entries := make([]string, 0, len(users))
	for _, u := range users {
		entries = append(entries, fmt.Sprintf("u:%s:%s", u, perm))
	}
	return strings.Join(entries, ",")
}

func setfacl(path, entries string) error {
	cmd := exec.Command("setfacl", "-m", entries, path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// UsersEqual reports whether two allow-user sets contain the same members,
// used by the reload controller to decide whether a full reload needs to
// re-apply the ACL.
func UsersEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
