// Package permission provides ble.PermissionGate implementations: a static
// grant set for daemons and an interactive terminal prompt.
package permission

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/chaz8081/blelink/internal/ble"
)

// Parse maps a permission name ("connect", "scan", "location") to its value.
func Parse(name string) (ble.Permission, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "connect":
		return ble.PermissionConnect, nil
	case "scan":
		return ble.PermissionScan, nil
	case "location":
		return ble.PermissionLocation, nil
	default:
		return 0, fmt.Errorf("unknown permission %q", name)
	}
}

// Static grants a fixed set of permissions and refuses the rest.
type Static struct {
	granted map[ble.Permission]bool
}

// Compile-time check that Static implements ble.PermissionGate.
var _ ble.PermissionGate = (*Static)(nil)

// NewStatic returns a gate granting exactly perms.
func NewStatic(perms ...ble.Permission) *Static {
	s := &Static{granted: make(map[ble.Permission]bool, len(perms))}
	for _, p := range perms {
		s.granted[p] = true
	}
	return s
}

func (s *Static) Authorize(_ context.Context, p ble.Permission) (bool, error) {
	return s.granted[p], nil
}

// Prompt asks on a terminal and remembers each answer for the life of the
// process, so the user is asked at most once per permission.
type Prompt struct {
	in  *bufio.Reader
	out io.Writer

	mu      sync.Mutex
	answers map[ble.Permission]bool
	pending chan answer // read still outstanding after a cancelled prompt
}

type answer struct {
	line string
	err  error
}

// Compile-time check that Prompt implements ble.PermissionGate.
var _ ble.PermissionGate = (*Prompt)(nil)

// NewPrompt returns a gate reading answers from in and writing questions to out.
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{
		in:      bufio.NewReader(in),
		out:     out,
		answers: make(map[ble.Permission]bool),
	}
}

// Authorize asks "Allow blelink to <p> Bluetooth devices? [y/N]". Anything
// but y/yes is a refusal. A cancelled ctx abandons the question.
func (g *Prompt) Authorize(ctx context.Context, p ble.Permission) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if granted, ok := g.answers[p]; ok {
		return granted, nil
	}

	if _, err := fmt.Fprintf(g.out, "Allow blelink to %s Bluetooth devices? [y/N]: ", p); err != nil {
		return false, fmt.Errorf("permission: write prompt: %w", err)
	}

	ch := g.pending
	if ch == nil {
		ch = make(chan answer, 1)
		go func() {
			line, err := g.in.ReadString('\n')
			ch <- answer{line, err}
		}()
	}

	var a answer
	select {
	case <-ctx.Done():
		g.pending = ch
		return false, ctx.Err()
	case a = <-ch:
		g.pending = nil
	}
	if a.err != nil && a.line == "" {
		return false, fmt.Errorf("permission: read answer: %w", a.err)
	}

	reply := strings.ToLower(strings.TrimSpace(a.line))
	granted := reply == "y" || reply == "yes"
	g.answers[p] = granted
	slog.Info("[BLE] permission answered", "permission", p, "granted", granted)
	return granted, nil
}
