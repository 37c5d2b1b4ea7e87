package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/ferry/internal/archive"
	"github.com/jaywantadh/ferry/internal/batch"
	"github.com/jaywantadh/ferry/internal/journal"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/session"
	"github.com/jaywantadh/ferry/internal/worker"
)

func usage(c *cli.Context, n int) error {
	if c.NArg() < n {
		return fmt.Errorf("usage: %s %s %s", c.App.Name, c.Command.Name, c.Command.ArgsUsage)
	}
	return nil
}

func entryLine(p remote.Path) string {
	attrs := p.Attributes()
	name := p.Name()
	if p.IsDirectory() {
		name += "/"
	}
	return fmt.Sprintf("%s %10s %s %s", attrs.Mode, humanize.IBytes(uint64(attrs.Size)), attrs.ModTime.Format("2006-01-02 15:04"), name)
}

func (rt *runtime) lsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "List a remote directory",
		ArgsUsage: "URL",
		Action: func(c *cli.Context) error {
			if err := usage(c, 1); err != nil {
				return err
			}
			s, p, err := rt.connect(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			defer worker.Disconnect(s)

			if !p.IsDirectory() {
				attrs, err := s.Attributes().Find(c.Context, p)
				if err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, entryLine(p.WithAttributes(attrs)))
				return nil
			}
			list, err := s.Client().List(c.Context, p)
			if err != nil {
				return err
			}
			for _, item := range list.Items() {
				fmt.Fprintln(c.App.Writer, entryLine(item))
			}
			return nil
		},
	}
}

func (rt *runtime) statCommand() *cli.Command {
	return &cli.Command{
		Name:      "stat",
		Usage:     "Show the attributes of a remote file",
		ArgsUsage: "URL",
		Action: func(c *cli.Context) error {
			if err := usage(c, 1); err != nil {
				return err
			}
			s, p, err := rt.connect(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			defer worker.Disconnect(s)

			attrs, err := s.Attributes().Find(c.Context, p)
			if err != nil {
				return err
			}
			w := c.App.Writer
			fmt.Fprintf(w, "URL:      %s\n", s.URL(p))
			fmt.Fprintf(w, "Type:     %s\n", p.Type())
			fmt.Fprintf(w, "Size:     %s (%s bytes)\n", humanize.IBytes(uint64(attrs.Size)), humanize.Comma(attrs.Size))
			fmt.Fprintf(w, "Mode:     %s\n", attrs.Mode)
			if !attrs.ModTime.IsZero() {
				fmt.Fprintf(w, "Modified: %s (%s)\n", attrs.ModTime.Format(time.RFC3339), humanize.Time(attrs.ModTime))
			}
			return nil
		},
	}
}

var resumeFlag = &cli.BoolFlag{Name: "resume", Aliases: []string{"r"}, Usage: "continue a partial transfer"}

func (rt *runtime) transferOptions(c *cli.Context) (worker.Options, error) {
	opts := worker.Options{Resume: c.Bool("resume"), BufferSize: rt.cfg.BufferSize}
	if opts.Resume {
		store, err := rt.openJournal()
		if err != nil {
			return opts, err
		}
		opts.Journal = store
	}
	return opts, nil
}

func report(w io.Writer, from, to string, res worker.Result) {
	msg := fmt.Sprintf("%s -> %s: %s in %s (%s/s)", from, to,
		humanize.IBytes(uint64(res.Transferred)), res.Duration.Round(time.Millisecond), humanize.IBytes(uint64(res.Rate)))
	if res.Offset > 0 {
		msg += fmt.Sprintf(", resumed at %s", humanize.IBytes(uint64(res.Offset)))
	}
	fmt.Fprintln(w, msg)
}

func (rt *runtime) getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Download a remote file",
		ArgsUsage: "URL [LOCAL]",
		Flags:     []cli.Flag{resumeFlag},
		Action: func(c *cli.Context) error {
			if err := usage(c, 1); err != nil {
				return err
			}
			s, p, err := rt.connect(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			defer worker.Disconnect(s)
			if p.IsDirectory() {
				return fmt.Errorf("%s is a directory", s.URL(p))
			}

			local := c.Args().Get(1)
			if local == "" {
				local = p.Name()
			} else if info, err := os.Stat(local); err == nil && info.IsDir() {
				local = filepath.Join(local, p.Name())
			}
			opts, err := rt.transferOptions(c)
			if err != nil {
				return err
			}
			res, err := worker.Download(c.Context, s, p, local, opts)
			if err != nil {
				return err
			}
			report(c.App.Writer, s.URL(p), local, res)
			return nil
		},
	}
}

func (rt *runtime) putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "Upload a local file",
		ArgsUsage: "LOCAL URL",
		Flags:     []cli.Flag{resumeFlag},
		Action: func(c *cli.Context) error {
			if err := usage(c, 2); err != nil {
				return err
			}
			local := c.Args().Get(0)
			s, p, err := rt.connect(c.Context, c.Args().Get(1))
			if err != nil {
				return err
			}
			defer worker.Disconnect(s)
			if p.IsDirectory() {
				p = remote.Child(p, filepath.Base(local), remote.TypeFile)
			}

			opts, err := rt.transferOptions(c)
			if err != nil {
				return err
			}
			res, err := worker.Upload(c.Context, s, local, p, opts)
			if err != nil {
				return err
			}
			report(c.App.Writer, local, s.URL(p), res)
			return nil
		},
	}
}

// sameHost resolves every raw URL after the first on the session's host.
func sameHost(ctx context.Context, s *session.Session, first remote.Path, raws []string) ([]remote.Path, error) {
	paths := []remote.Path{first}
	for _, raw := range raws {
		abs := raw
		if strings.Contains(raw, "://") {
			host, err := remote.ParseHost(raw)
			if err != nil {
				return nil, err
			}
			if host.Protocol() != s.Host().Protocol() || host.Address() != s.Host().Address() {
				return nil, fmt.Errorf("%s is not on %s", raw, s.Host())
			}
			abs = host.DefaultPath()
		}
		p, err := lookup(ctx, s, abs)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (rt *runtime) batchPolicy() batch.Policy {
	policy, err := batch.ParsePolicy(rt.cfg.BatchPolicy)
	if err != nil {
		return batch.ContinueOnError
	}
	return policy
}

func (rt *runtime) rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "Delete remote files and directories",
		ArgsUsage: "URL [PATH|URL...]",
		Action: func(c *cli.Context) error {
			if err := usage(c, 1); err != nil {
				return err
			}
			s, p, err := rt.connect(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			defer worker.Disconnect(s)
			paths, err := sameHost(c.Context, s, p, c.Args().Tail())
			if err != nil {
				return err
			}
			return s.Delete().Delete(c.Context, paths, func(done remote.Path) {
				fmt.Fprintf(c.App.Writer, "deleted %s\n", s.URL(done))
			}, batch.WithPolicy(rt.batchPolicy()))
		},
	}
}

func (rt *runtime) cpCommand() *cli.Command {
	return &cli.Command{
		Name:      "cp",
		Usage:     "Copy a file on the same host",
		ArgsUsage: "URL PATH|URL",
		Action: func(c *cli.Context) error {
			if err := usage(c, 2); err != nil {
				return err
			}
			s, src, err := rt.connect(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			defer worker.Disconnect(s)
			paths, err := sameHost(c.Context, s, src, c.Args().Tail()[:1])
			if err != nil {
				return err
			}
			dst := paths[1]
			if dst.IsDirectory() {
				dst = remote.Child(dst, src.Name(), remote.TypeFile)
			}
			if err := s.Copy().Copy(c.Context, src, dst); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "copied %s to %s\n", s.URL(src), s.URL(dst))
			return nil
		},
	}
}

func progress(w io.Writer) func(string) {
	return func(msg string) { fmt.Fprintln(w, msg) }
}

func (rt *runtime) archiveCommand() *cli.Command {
	return &cli.Command{
		Name:      "archive",
		Usage:     "Pack remote files into an archive next to them",
		ArgsUsage: "URL [PATH|URL...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: archive.TarGz.Name(), Usage: "tar, tar.gz, tgz, tar.lz4 or zip"},
		},
		Action: func(c *cli.Context) error {
			if err := usage(c, 1); err != nil {
				return err
			}
			a, ok := archive.ByName(c.String("format"))
			if !ok {
				return fmt.Errorf("unknown archive format %q", c.String("format"))
			}
			s, p, err := rt.connect(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			defer worker.Disconnect(s)
			files, err := sameHost(c.Context, s, p, c.Args().Tail())
			if err != nil {
				return err
			}
			target, err := s.Compress().Archive(c.Context, a, files[0].Parent(), files, progress(c.App.Writer))
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "created %s\n", s.URL(target))
			return nil
		},
	}
}

func (rt *runtime) unarchiveCommand() *cli.Command {
	return &cli.Command{
		Name:      "unarchive",
		Usage:     "Expand a remote archive in its directory",
		ArgsUsage: "URL",
		Action: func(c *cli.Context) error {
			if err := usage(c, 1); err != nil {
				return err
			}
			s, p, err := rt.connect(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			defer worker.Disconnect(s)
			a, ok := archive.ForFile(p.Name())
			if !ok {
				return fmt.Errorf("%s is not a known archive", p.Name())
			}
			if err := s.Compress().Unarchive(c.Context, a, p, progress(c.App.Writer)); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "expanded %s\n", s.URL(p))
			return nil
		},
	}
}

func (rt *runtime) pushCommand() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "Upload many files into a remote directory in parallel",
		ArgsUsage: "URL LOCAL...",
		Flags:     []cli.Flag{resumeFlag},
		Action: func(c *cli.Context) error {
			if err := usage(c, 2); err != nil {
				return err
			}
			raw := c.Args().First()
			// the first session validates the target and asks for the
			// password the workers then share
			s, dir, err := rt.connect(c.Context, raw)
			if err != nil {
				return err
			}
			worker.Disconnect(s)
			if !dir.IsDirectory() {
				return fmt.Errorf("%s is not a directory", raw)
			}

			host, err := remote.ParseHost(raw)
			if err != nil {
				return err
			}
			verifier, err := rt.verifier(host)
			if err != nil {
				return err
			}
			opts, err := rt.transferOptions(c)
			if err != nil {
				return err
			}
			var jobs []worker.Job
			for _, local := range c.Args().Tail() {
				jobs = append(jobs, worker.Job{
					Direction: journal.Upload,
					Local:     local,
					Remote:    remote.Child(dir, filepath.Base(local), remote.TypeFile),
				})
			}

			pool := worker.NewPool(host, rt.factory(), rt.cfg.Workers, opts,
				worker.WithSessionOptions(rt.sessionOptions()...),
				worker.WithVerifier(verifier),
				worker.WithTranscript(rt.transcript()),
				worker.WithLogin(rt.prompt.store, rt.prompt),
				worker.WithCacheSize(rt.cfg.CacheSize),
			)
			_, err = pool.Run(c.Context, jobs)
			pool.Tracker().Print(c.App.Writer)
			return err
		},
	}
}

func (rt *runtime) journalCommand() *cli.Command {
	return &cli.Command{
		Name:  "journal",
		Usage: "List the checkpoints of interrupted transfers",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "clear", Usage: "forget every checkpoint"},
		},
		Action: func(c *cli.Context) error {
			store, err := rt.openJournal()
			if err != nil {
				return err
			}
			checkpoints, err := store.List()
			if err != nil {
				return err
			}
			if len(checkpoints) == 0 {
				fmt.Fprintln(c.App.Writer, "No checkpoints")
				return nil
			}
			for _, cp := range checkpoints {
				if c.Bool("clear") {
					if err := store.Delete(cp.ID); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(c.App.Writer, "%s %-8s %s <-> %s %s/%s, %s\n", cp.ID, cp.Direction, cp.Local, cp.URL,
					humanize.IBytes(uint64(cp.Transferred)), humanize.IBytes(uint64(cp.Length)), humanize.Time(cp.UpdatedAt))
			}
			if c.Bool("clear") {
				fmt.Fprintf(c.App.Writer, "cleared %d checkpoints\n", len(checkpoints))
			}
			return nil
		},
	}
}
