package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transport"
)

// terminalPrompt asks for passwords without echo and remembers the answers
// for the other sessions of this invocation.
type terminalPrompt struct {
	mu    sync.Mutex
	in    *os.File
	out   io.Writer
	store *transport.MemoryStore
}

func newTerminalPrompt(in *os.File, out io.Writer) *terminalPrompt {
	return &terminalPrompt{in: in, out: out, store: transport.NewMemoryStore()}
}

func (p *terminalPrompt) Prompt(ctx context.Context, host remote.Host, reason string) (remote.Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fd := int(p.in.Fd())
	if !term.IsTerminal(fd) {
		return remote.Credentials{}, remote.Errorf(remote.ErrLoginCanceled, "prompt", "", "no terminal to ask for the password of %s", host.Hostname())
	}
	if err := ctx.Err(); err != nil {
		return remote.Credentials{}, err
	}

	fmt.Fprintln(p.out, reason)
	username := host.Credentials().Username()
	if username == "" || host.Credentials().IsAnonymous() {
		fmt.Fprint(p.out, "Username: ")
		line, err := bufio.NewReader(p.in).ReadString('\n')
		if err != nil {
			return remote.Credentials{}, fmt.Errorf("failed to read username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	fmt.Fprintf(p.out, "Password for %s@%s: ", username, host.Hostname())
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return remote.Credentials{}, fmt.Errorf("failed to read password: %w", err)
	}

	creds := remote.NewCredentials(username, string(secret))
	p.store.Save(host, creds)
	return creds, nil
}
