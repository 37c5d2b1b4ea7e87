package sftp

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/jaywantadh/ferry/internal/archive"
	"github.com/jaywantadh/ferry/internal/feature"
	"github.com/jaywantadh/ferry/internal/remote"
)

// compressor runs the archive command line on the server.
type compressor struct {
	c *Client
	r feature.Resolver
}

// Run executes command in a new SSH session and returns its combined output.
func (c *Client) Run(ctx context.Context, command string) (string, error) {
	if c.ssh == nil {
		return "", remote.Errorf(remote.ErrIllegalState, "exec", "", "not logged in")
	}
	session, err := c.ssh.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	c.transcript.Log(true, command)
	if err := session.Start(command); err != nil {
		return "", fmt.Errorf("failed to start %q: %w", command, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()
	select {
	case err = <-done:
	case <-ctx.Done():
		session.Close()
		return out.String(), remote.Translate("exec", "", ctx.Err())
	}
	output := strings.TrimSpace(out.String())
	if output != "" {
		c.transcript.Log(false, output)
	}
	if err != nil {
		return output, fmt.Errorf("command %q failed: %w: %s", command, err, output)
	}
	return output, nil
}

func (z *compressor) Archive(ctx context.Context, a archive.Archive, workdir remote.Path, files []remote.Path, progress feature.Progress) (remote.Path, error) {
	if len(files) == 0 {
		return remote.Path{}, fmt.Errorf("nothing to archive")
	}
	target := a.Path(files)
	if progress != nil {
		progress("Archiving " + target.Name())
	}
	if _, err := z.c.Run(ctx, a.CompressCommand(workdir, files)); err != nil {
		return remote.Path{}, err
	}
	exists, err := z.r.Find().Find(ctx, target)
	if err != nil {
		return remote.Path{}, err
	}
	if !exists {
		return remote.Path{}, remote.Errorf(remote.ErrNotFound, "archive", target.Abs(), "archive not created")
	}
	return target, nil
}

func (z *compressor) Unarchive(ctx context.Context, a archive.Archive, file remote.Path, progress feature.Progress) error {
	if progress != nil {
		progress("Expanding " + file.Name())
	}
	_, err := z.c.Run(ctx, a.DecompressCommand(file))
	return err
}

// home asks the server for the directory the login starts in.
type home struct {
	c    *Client
	host remote.Host
}

func (h *home) Find(ctx context.Context) (remote.Path, error) {
	if err := h.c.ensure("home", remote.Path{}); err != nil {
		return remote.Path{}, err
	}
	if err := ctx.Err(); err != nil {
		return remote.Path{}, remote.Translate("home", "", err)
	}
	wd, err := h.c.sftp.Getwd()
	if err != nil {
		return feature.DefaultHome(h.host), nil
	}
	dp := h.host.DefaultPath()
	switch {
	case dp == "":
		return remote.NewPath(wd, remote.TypeDirectory), nil
	case path.IsAbs(dp):
		return remote.NewPath(dp, remote.TypeDirectory), nil
	case strings.HasPrefix(dp, "~/"):
		dp = dp[2:]
	}
	return remote.NewPath(path.Join(wd, dp), remote.TypeDirectory), nil
}
