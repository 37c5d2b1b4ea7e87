package ftp_test

import (
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"path"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// server speaks enough FTP for the client: passive EPSV data connections,
// LIST in ls format and REST offsets.
type server struct {
	addr     *net.TCPAddr
	fs       afero.Fs
	user     string
	password string
	home     string
}

func startServer(t *testing.T, user, password string) *server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	srv := &server{addr: ln.Addr().(*net.TCPAddr), fs: afero.NewMemMapFs(), user: user, password: password, home: "/home/" + user}
	require.NoError(t, srv.fs.MkdirAll(srv.home, 0o755))
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn)
		}
	}()
	return srv
}

type ftpSession struct {
	srv      *server
	tp       *textproto.Conn
	user     string
	loggedIn bool
	cwd      string
	rest     int64
	rename   string
	data     chan net.Conn
}

func (s *server) serve(conn net.Conn) {
	sess := &ftpSession{srv: s, tp: textproto.NewConn(conn), cwd: s.home}
	defer sess.tp.Close()
	sess.reply(220, "ready")
	for {
		line, err := sess.tp.ReadLine()
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(line, " ")
		if !sess.handle(strings.ToUpper(cmd), arg) {
			return
		}
	}
}

func (f *ftpSession) reply(code int, msg string) {
	f.tp.PrintfLine("%d %s", code, msg)
}

func (f *ftpSession) abs(p string) string {
	if p == "" {
		return f.cwd
	}
	if !path.IsAbs(p) {
		p = path.Join(f.cwd, p)
	}
	return path.Clean(p)
}

func (f *ftpSession) openData() (net.Conn, bool) {
	if f.data == nil {
		f.reply(425, "use EPSV first")
		return nil, false
	}
	select {
	case conn := <-f.data:
		f.data = nil
		return conn, true
	case <-time.After(5 * time.Second):
		f.data = nil
		f.reply(425, "no data connection")
		return nil, false
	}
}

func (f *ftpSession) handle(cmd, arg string) bool {
	fs := f.srv.fs
	if !f.loggedIn {
		switch cmd {
		case "USER", "PASS", "FEAT", "QUIT":
		default:
			f.reply(530, "not logged in")
			return true
		}
	}
	switch cmd {
	case "FEAT":
		f.reply(502, "no features")
	case "USER":
		f.user = arg
		f.loggedIn = false
		f.reply(331, "password required")
	case "PASS":
		if f.user == f.srv.user && arg == f.srv.password {
			f.loggedIn = true
			f.reply(230, "logged in")
		} else {
			f.reply(530, "login incorrect")
		}
	case "TYPE", "NOOP":
		f.reply(200, "ok")
	case "OPTS":
		f.reply(501, "not supported")
	case "PWD":
		f.reply(257, strconv.Quote(f.cwd)+" is current directory")
	case "CWD":
		info, err := fs.Stat(f.abs(arg))
		if err != nil || !info.IsDir() {
			f.reply(550, "no such directory")
			return true
		}
		f.cwd = f.abs(arg)
		f.reply(250, "ok")
	case "CDUP":
		f.cwd = path.Dir(f.cwd)
		f.reply(250, "ok")
	case "EPSV":
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			f.reply(425, err.Error())
			return true
		}
		data := make(chan net.Conn, 1)
		f.data = data
		go func() {
			defer ln.Close()
			conn, err := ln.Accept()
			if err == nil {
				data <- conn
			}
		}()
		f.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", ln.Addr().(*net.TCPAddr).Port))
	case "PASV":
		f.reply(502, "use EPSV")
	case "REST":
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			f.reply(501, "bad offset")
			return true
		}
		f.rest = n
		f.reply(350, "restarting")
	case "LIST", "NLST":
		f.list(arg)
	case "RETR":
		f.retr(arg)
	case "STOR":
		f.stor(arg)
	case "SIZE":
		info, err := fs.Stat(f.abs(arg))
		if err != nil {
			f.reply(550, "not found")
			return true
		}
		f.reply(213, strconv.FormatInt(info.Size(), 10))
	case "DELE":
		info, err := fs.Stat(f.abs(arg))
		if err != nil || info.IsDir() {
			f.reply(550, "not a file")
			return true
		}
		fs.Remove(f.abs(arg))
		f.reply(250, "deleted")
	case "RMD":
		if err := fs.Remove(f.abs(arg)); err != nil {
			f.reply(550, err.Error())
			return true
		}
		f.reply(250, "removed")
	case "MKD":
		if _, err := fs.Stat(path.Dir(f.abs(arg))); err != nil {
			f.reply(550, "no parent")
			return true
		}
		if err := fs.Mkdir(f.abs(arg), 0o755); err != nil {
			f.reply(550, err.Error())
			return true
		}
		f.reply(257, strconv.Quote(f.abs(arg))+" created")
	case "RNFR":
		if _, err := fs.Stat(f.abs(arg)); err != nil {
			f.reply(550, "not found")
			return true
		}
		f.rename = f.abs(arg)
		f.reply(350, "ready")
	case "RNTO":
		if err := fs.Rename(f.rename, f.abs(arg)); err != nil {
			f.reply(550, err.Error())
			return true
		}
		f.reply(250, "renamed")
	case "QUIT":
		f.reply(221, "bye")
		return false
	default:
		f.reply(502, "not implemented")
	}
	return true
}

func (f *ftpSession) list(arg string) {
	dir := f.abs(arg)
	infos, err := afero.ReadDir(f.srv.fs, dir)
	if err != nil {
		f.reply(550, "not found")
		return
	}
	conn, ok := f.openData()
	if !ok {
		return
	}
	f.reply(150, "listing")
	for _, info := range infos {
		mode := "-rw-r--r--"
		if info.IsDir() {
			mode = "drwxr-xr-x"
		}
		fmt.Fprintf(conn, "%s 1 owner group %d %s %s\r\n", mode, info.Size(), info.ModTime().Format("Jan 2 2006"), info.Name())
	}
	conn.Close()
	f.reply(226, "done")
}

func (f *ftpSession) retr(arg string) {
	offset := f.rest
	f.rest = 0
	file, err := f.srv.fs.Open(f.abs(arg))
	if err != nil {
		f.reply(550, "not found")
		return
	}
	defer file.Close()
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		f.reply(550, err.Error())
		return
	}
	conn, ok := f.openData()
	if !ok {
		return
	}
	f.reply(150, "sending")
	_, err = io.Copy(conn, file)
	conn.Close()
	if err != nil {
		f.reply(426, "aborted")
		return
	}
	f.reply(226, "done")
}

func (f *ftpSession) stor(arg string) {
	offset := f.rest
	f.rest = 0
	name := f.abs(arg)
	if info, err := f.srv.fs.Stat(path.Dir(name)); err != nil || !info.IsDir() {
		f.reply(553, "no parent")
		return
	}
	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	file, err := f.srv.fs.OpenFile(name, flags, 0o644)
	if err != nil {
		f.reply(550, err.Error())
		return
	}
	defer file.Close()
	if offset > 0 {
		if err := file.Truncate(offset); err != nil {
			f.reply(550, err.Error())
			return
		}
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			f.reply(550, err.Error())
			return
		}
	}
	conn, ok := f.openData()
	if !ok {
		return
	}
	f.reply(150, "receiving")
	_, err = io.Copy(file, conn)
	conn.Close()
	if err != nil {
		f.reply(426, "aborted")
		return
	}
	f.reply(226, "stored")
}
