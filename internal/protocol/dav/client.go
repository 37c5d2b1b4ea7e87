// Package dav serves dav:// and davs:// hosts over WebDAV with resty.
package dav

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/ferry/internal/feature"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transport"
	"github.com/jaywantadh/ferry/pkg/logging"
)

// Config tunes the HTTP client.
type Config struct {
	Timeout time.Duration
}

// Client implements transport.Client with WebDAV requests.
type Client struct {
	host       remote.Host
	cfg        Config
	http       *resty.Client
	loggedIn   bool
	transcript transport.Transcript
	log        *logrus.Entry
}

// New returns an unconnected client for host.
func New(host remote.Host, cfg Config) *Client {
	return &Client{
		host:       host,
		cfg:        cfg,
		transcript: transport.DiscardTranscript,
		log:        logging.For("dav").WithField("host", host.String()),
	}
}

func (c *Client) baseURL() string {
	scheme := "http"
	if c.host.Protocol().Secure() {
		scheme = "https"
	}
	return scheme + "://" + c.host.Address()
}

// href escapes p for a request line.
func href(p remote.Path) string {
	u := url.URL{Path: p.Abs()}
	if p.IsDirectory() && !p.IsRoot() {
		u.Path += "/"
	}
	return u.EscapedPath()
}

// status maps an HTTP response onto the error taxonomy.
func status(op string, p remote.Path, resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("%s %s: %s", resp.Request.Method, p.Abs(), resp.Status())
	switch code {
	case http.StatusUnauthorized:
		return remote.Wrap(remote.ErrLoginFailure, op, p.Abs(), err)
	case http.StatusForbidden, http.StatusLocked, http.StatusMethodNotAllowed:
		return remote.Wrap(remote.ErrAccessDenied, op, p.Abs(), err)
	case http.StatusNotFound, http.StatusGone, http.StatusConflict:
		return remote.Wrap(remote.ErrNotFound, op, p.Abs(), err)
	case http.StatusRequestedRangeNotSatisfiable:
		return remote.Wrap(remote.ErrInvalidResume, op, p.Abs(), err)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return remote.Wrap(remote.ErrConnectionTimeout, op, p.Abs(), err)
	}
	return err
}

func (c *Client) ensure(op string, p remote.Path) error {
	if c.http == nil || !c.loggedIn {
		return remote.Errorf(remote.ErrIllegalState, op, p.Abs(), "not logged in")
	}
	return nil
}

// Connect probes the server with OPTIONS; a TLS identity is verified on
// that first request.
func (c *Client) Connect(ctx context.Context, verifier transport.HostKeyVerifier, transcript transport.Transcript) error {
	c.transcript = transport.OrDiscard(transcript)
	client := resty.New().
		SetBaseURL(c.baseURL()).
		SetHeader("User-Agent", "ferry").
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			c.transcript.Log(true, r.Method+" "+r.URL)
			return nil
		}).
		OnAfterResponse(func(_ *resty.Client, r *resty.Response) error {
			c.transcript.Log(false, r.Status())
			return nil
		})
	if c.cfg.Timeout > 0 {
		client.SetTimeout(c.cfg.Timeout)
	}
	if c.host.Protocol().Secure() {
		client.SetTLSClientConfig(transport.TLSConfig(c.host, verifier))
	}

	resp, err := client.R().SetContext(ctx).Options("/")
	if err != nil {
		return remote.Translate("connect", "", fmt.Errorf("failed to reach %s: %w", c.baseURL(), err))
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("server %s answered %s", c.baseURL(), resp.Status())
	}
	c.http = client
	return nil
}

// Authenticate sends creds with basic authentication and checks them with
// a PROPFIND of the default path.
func (c *Client) Authenticate(ctx context.Context, creds remote.Credentials) error {
	if c.http == nil {
		return remote.Errorf(remote.ErrIllegalState, "authenticate", "", "not connected")
	}
	if !creds.IsAnonymous() {
		c.http.SetBasicAuth(creds.Username(), creds.Secret())
	}
	home := feature.DefaultHome(c.host)
	resp, err := c.propfind(ctx, home, 0)
	if err != nil {
		return remote.Translate("authenticate", "", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return remote.Errorf(remote.ErrLoginFailure, "authenticate", "", "%s rejected %s", c.host.Hostname(), creds.Username())
	}
	c.loggedIn = true
	return nil
}

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>` +
	`<D:propfind xmlns:D="DAV:"><D:prop>` +
	`<D:resourcetype/><D:getcontentlength/><D:getlastmodified/>` +
	`</D:prop></D:propfind>`

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"DAV: response"`
}

type response struct {
	Href      string     `xml:"DAV: href"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	ResourceType struct {
		Collection *struct{} `xml:"DAV: collection"`
	} `xml:"DAV: resourcetype"`
	ContentLength string `xml:"DAV: getcontentlength"`
	LastModified  string `xml:"DAV: getlastmodified"`
}

func (r response) entry() (string, remote.PathType, remote.Attributes) {
	name := r.Href
	if u, err := url.Parse(r.Href); err == nil {
		name = u.Path
	}
	typ := remote.TypeFile
	attrs := remote.Attributes{Mode: 0o644}
	for _, ps := range r.Propstats {
		if !strings.Contains(ps.Status, " 200") {
			continue
		}
		if ps.Prop.ResourceType.Collection != nil {
			typ = remote.TypeDirectory
			attrs.Mode = os.ModeDir | 0o755
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(ps.Prop.ContentLength), 10, 64); err == nil {
			attrs.Size = n
		}
		if t, err := http.ParseTime(ps.Prop.LastModified); err == nil {
			attrs.ModTime = t
		}
	}
	return remote.Normalize(name), typ, attrs
}

func (c *Client) propfind(ctx context.Context, p remote.Path, depth int) (*resty.Response, error) {
	return c.http.R().
		SetContext(ctx).
		SetHeader("Depth", strconv.Itoa(depth)).
		SetHeader("Content-Type", "application/xml; charset=utf-8").
		SetBody(propfindBody).
		Execute("PROPFIND", href(p))
}

func (c *Client) multistatus(ctx context.Context, op string, p remote.Path, depth int) ([]response, error) {
	resp, err := c.propfind(ctx, p, depth)
	if err != nil {
		return nil, remote.Translate(op, p.Abs(), err)
	}
	if err := status(op, p, resp); err != nil {
		return nil, err
	}
	var ms multistatus
	if err := xml.Unmarshal(resp.Body(), &ms); err != nil {
		return nil, fmt.Errorf("failed to decode PROPFIND %s: %w", p, err)
	}
	return ms.Responses, nil
}

func (c *Client) Stat(ctx context.Context, p remote.Path) (remote.Attributes, error) {
	if err := c.ensure("stat", p); err != nil {
		return remote.Attributes{}, err
	}
	responses, err := c.multistatus(ctx, "stat", p, 0)
	if err != nil {
		return remote.Attributes{}, err
	}
	for _, r := range responses {
		if name, _, attrs := r.entry(); name == p.Abs() {
			return attrs, nil
		}
	}
	return remote.Attributes{}, remote.Errorf(remote.ErrNotFound, "stat", p.Abs(), "not in PROPFIND response")
}

func (c *Client) List(ctx context.Context, dir remote.Path) (remote.List, error) {
	if err := c.ensure("list", dir); err != nil {
		return remote.List{}, err
	}
	responses, err := c.multistatus(ctx, "list", dir, 1)
	if err != nil {
		return remote.List{}, err
	}
	items := make([]remote.Path, 0, len(responses))
	for _, r := range responses {
		name, typ, attrs := r.entry()
		if name == dir.Abs() || path.Dir(name) != dir.Abs() {
			continue
		}
		items = append(items, remote.NewPath(name, typ).WithAttributes(attrs))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Abs() < items[j].Abs() })
	return remote.NewList(items...), nil
}

func (c *Client) OpenRead(ctx context.Context, p remote.Path, offset int64) (io.ReadCloser, error) {
	return c.OpenRange(ctx, p, offset, -1)
}

// OpenRange asks for a byte range. A server that ignores it is skipped on
// our side; the caller caps the length.
func (c *Client) OpenRange(ctx context.Context, p remote.Path, offset, length int64) (io.ReadCloser, error) {
	if err := c.ensure("read", p); err != nil {
		return nil, err
	}
	req := c.http.R().SetContext(ctx).SetDoNotParseResponse(true)
	if rng := transport.ByteRange(offset, length); rng != "" {
		req.SetHeader("Range", rng)
	}
	resp, err := req.Get(href(p))
	if err != nil {
		return nil, remote.Translate("read", p.Abs(), err)
	}
	body := resp.RawBody()
	if err := status("read", p, resp); err != nil {
		body.Close()
		return nil, err
	}
	if offset > 0 && resp.StatusCode() != http.StatusPartialContent {
		// range ignored, skip on our side
		if _, err := io.CopyN(io.Discard, body, offset); err != nil {
			body.Close()
			return nil, fmt.Errorf("failed to skip %d bytes of %s: %w", offset, p, err)
		}
	}
	return body, nil
}

// upload feeds a PUT of a temporary sibling running in the background. Close
// moves the sibling over the target, Abort deletes it, so a failed upload
// leaves the target untouched.
type upload struct {
	ctx    context.Context
	c      *Client
	target remote.Path
	temp   remote.Path
	pw     *io.PipeWriter
	done   chan error
	once   sync.Once
	err    error
}

func (u *upload) Write(b []byte) (int, error) { return u.pw.Write(b) }

func (u *upload) Close() error {
	u.once.Do(func() {
		u.pw.Close()
		u.err = <-u.done
		if u.err == nil {
			u.err = u.c.destination(u.ctx, "MOVE", u.temp, u.target)
		}
		if u.err != nil {
			u.discard()
		}
	})
	return u.err
}

func (u *upload) Abort(cause error) error {
	var err error
	u.once.Do(func() {
		u.pw.CloseWithError(cause)
		<-u.done
		u.err = cause
		err = u.discard()
	})
	return err
}

// discard deletes the temporary sibling, even when the upload context is
// already canceled.
func (u *upload) discard() error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(u.ctx), 10*time.Second)
	defer cancel()
	resp, err := u.c.http.R().SetContext(ctx).Delete(href(u.temp))
	if err != nil {
		return remote.Translate("delete", u.temp.Abs(), err)
	}
	if err := status("delete", u.temp, resp); err != nil && !errors.Is(err, remote.ErrNotFound) {
		u.c.log.WithError(err).Warn("failed to delete partial upload")
		return err
	}
	return nil
}

// partName names the temporary sibling of an upload to p.
func partName(p remote.Path) remote.Path {
	return remote.Child(p.Parent(), fmt.Sprintf(".%s.%s.part", p.Name(), uuid.NewString()[:8]), remote.TypeFile)
}

// OpenWrite streams a PUT. A PUT always replaces the object, so positioned
// writes are unsupported.
func (c *Client) OpenWrite(ctx context.Context, p remote.Path, opts transport.WriteOptions) (io.WriteCloser, error) {
	if err := c.ensure("write", p); err != nil {
		return nil, err
	}
	if opts.Offset > 0 {
		return nil, remote.Errorf(remote.ErrUnsupported, "write", p.Abs(), "cannot write at offset %d", opts.Offset)
	}
	pr, pw := io.Pipe()
	u := &upload{ctx: ctx, c: c, target: p, temp: partName(p), pw: pw, done: make(chan error, 1)}
	go func() {
		resp, err := c.http.R().SetContext(ctx).SetBody(pr).Put(href(u.temp))
		if err != nil {
			err = remote.Translate("write", p.Abs(), err)
		} else {
			err = status("write", p, resp)
		}
		pr.CloseWithError(err)
		u.done <- err
	}()
	return u, nil
}

func (c *Client) Delete(ctx context.Context, p remote.Path) error {
	if err := c.ensure("delete", p); err != nil {
		return err
	}
	resp, err := c.http.R().SetContext(ctx).Delete(href(p))
	if err != nil {
		return remote.Translate("delete", p.Abs(), err)
	}
	return status("delete", p, resp)
}

func (c *Client) Mkdir(ctx context.Context, p remote.Path) error {
	if err := c.ensure("mkdir", p); err != nil {
		return err
	}
	resp, err := c.http.R().SetContext(ctx).Execute("MKCOL", href(p.WithType(remote.TypeDirectory)))
	if err != nil {
		return remote.Translate("mkdir", p.Abs(), err)
	}
	return status("mkdir", p, resp)
}

// destination sends from to to with MOVE or COPY.
func (c *Client) destination(ctx context.Context, method string, from, to remote.Path) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Destination", c.baseURL()+href(to)).
		SetHeader("Overwrite", "T").
		Execute(method, href(from))
	if err != nil {
		return remote.Translate(strings.ToLower(method), from.Abs(), err)
	}
	return status(strings.ToLower(method), from, resp)
}

func (c *Client) Rename(ctx context.Context, from, to remote.Path) error {
	if err := c.ensure("rename", from); err != nil {
		return err
	}
	return c.destination(ctx, "MOVE", from, to)
}

func (c *Client) Close() error {
	c.loggedIn = false
	if c.http != nil {
		c.http.GetClient().CloseIdleConnections()
		c.http = nil
	}
	return nil
}

// Feature copies on the server and refuses resumed writes.
func (c *Client) Feature(kind feature.Kind, r feature.Resolver) (any, bool) {
	switch kind {
	case feature.KindCopy:
		return &copier{c: c, r: r}, true
	case feature.KindWrite:
		return feature.NoResume(feature.Default(feature.KindWrite, r).(feature.Write)), true
	}
	return nil, false
}
