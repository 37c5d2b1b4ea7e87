// Package s3 serves s3:// hosts. Paths are /bucket/key; the root lists the
// buckets and key prefixes ending in "/" act as directories.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/jaywantadh/ferry/internal/feature"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transport"
	"github.com/jaywantadh/ferry/pkg/logging"
)

// DefaultRegion is used when no region is configured.
const DefaultRegion = "us-east-1"

// Config tunes the SDK client.
type Config struct {
	Region string
	// Endpoint overrides the endpoint derived from the host, e.g. for MinIO.
	Endpoint string
	Timeout  time.Duration
}

// Client implements transport.Client with the AWS SDK.
type Client struct {
	host       remote.Host
	cfg        Config
	httpClient *awshttp.BuildableClient
	s3         *s3.Client
	spool      afero.Fs
	transcript transport.Transcript
	log        *logrus.Entry
}

// New returns an unconnected client for host.
func New(host remote.Host, cfg Config) *Client {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	return &Client{
		host:       host,
		cfg:        cfg,
		spool:      afero.NewOsFs(),
		transcript: transport.DiscardTranscript,
		log:        logging.For("s3").WithField("host", host.String()),
	}
}

// endpoint returns the base endpoint, or "" for AWS itself.
func (c *Client) endpoint() string {
	switch {
	case c.cfg.Endpoint != "":
		return c.cfg.Endpoint
	case strings.HasSuffix(c.host.Hostname(), "amazonaws.com"):
		return ""
	}
	return "https://" + c.host.Address()
}

// split maps a path onto bucket and key.
func split(p remote.Path) (bucket, key string) {
	bucket, key, _ = strings.Cut(strings.TrimPrefix(p.Abs(), "/"), "/")
	return bucket, key
}

// translate maps SDK errors onto the error taxonomy.
func translate(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return remote.Wrap(remote.ErrNotFound, op, p, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidToken", "ExpiredToken":
			return remote.Wrap(remote.ErrLoginFailure, op, p, err)
		case "AccessDenied", "Forbidden", "AllAccessDisabled":
			return remote.Wrap(remote.ErrAccessDenied, op, p, err)
		case "InvalidRange":
			return remote.Wrap(remote.ErrInvalidResume, op, p, err)
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return remote.Wrap(remote.ErrNotFound, op, p, err)
		case http.StatusForbidden:
			return remote.Wrap(remote.ErrAccessDenied, op, p, err)
		case http.StatusUnauthorized:
			return remote.Wrap(remote.ErrLoginFailure, op, p, err)
		}
	}
	return remote.Translate(op, p, err)
}

func (c *Client) ensure(op string, p remote.Path) error {
	if c.s3 == nil {
		return remote.Errorf(remote.ErrIllegalState, op, p.Abs(), "not logged in")
	}
	return nil
}

// transcribe logs every attempt and its response status. It sits at the end
// of the deserialize step, right next to the wire.
func transcribe(t transport.Transcript) func(*middleware.Stack) error {
	return func(stack *middleware.Stack) error {
		return stack.Deserialize.Add(middleware.DeserializeMiddlewareFunc("FerryTranscript",
			func(ctx context.Context, in middleware.DeserializeInput, next middleware.DeserializeHandler) (middleware.DeserializeOutput, middleware.Metadata, error) {
				if req, ok := in.Request.(*smithyhttp.Request); ok {
					t.Log(true, req.Method+" "+req.URL.Path)
				}
				out, md, err := next.HandleDeserialize(ctx, in)
				if resp, ok := out.RawResponse.(*smithyhttp.Response); ok {
					t.Log(false, resp.Status)
				} else if err != nil {
					t.Log(false, err.Error())
				}
				return out, md, err
			}), middleware.After)
	}
}

// Connect prepares the HTTP client. S3 has no session, so the server
// identity is verified with the first request at login.
func (c *Client) Connect(ctx context.Context, verifier transport.HostKeyVerifier, transcript transport.Transcript) error {
	if err := ctx.Err(); err != nil {
		return remote.Translate("connect", "", err)
	}
	c.transcript = transport.OrDiscard(transcript)
	buildable := awshttp.NewBuildableClient()
	if c.cfg.Timeout > 0 {
		buildable = buildable.WithTimeout(c.cfg.Timeout)
	}
	if verifier != nil && strings.HasPrefix(c.endpoint(), "https://") {
		tlsConfig := transport.TLSConfig(c.host, verifier)
		buildable = buildable.WithTransportOptions(func(tr *http.Transport) {
			tr.TLSClientConfig = tlsConfig
		})
	}
	c.httpClient = buildable
	c.transcript.Log(true, "endpoint "+c.endpoint())
	return nil
}

// Authenticate uses the username as access key id and the secret as secret
// access key. A login request that is merely denied access still counts as
// logged in.
func (c *Client) Authenticate(ctx context.Context, creds remote.Credentials) error {
	if c.httpClient == nil {
		return remote.Errorf(remote.ErrIllegalState, "authenticate", "", "not connected")
	}
	var provider aws.CredentialsProvider = aws.AnonymousCredentials{}
	if !creds.IsAnonymous() {
		provider = credentials.NewStaticCredentialsProvider(creds.Username(), creds.Secret(), "")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(c.cfg.Region),
		config.WithCredentialsProvider(provider),
		config.WithHTTPClient(c.httpClient),
		config.WithRetryMaxAttempts(2),
	)
	if err != nil {
		return remote.Wrap(remote.ErrLoginFailure, "authenticate", "", fmt.Errorf("failed to load aws config: %w", err))
	}
	endpoint := c.endpoint()
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		o.APIOptions = append(o.APIOptions, transcribe(c.transcript))
	})

	bucket, _ := split(feature.DefaultHome(c.host))
	if bucket != "" {
		_, err = client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(bucket), MaxKeys: aws.Int32(1)})
	} else {
		_, err = client.ListBuckets(ctx, &s3.ListBucketsInput{})
	}
	err = translate("authenticate", "", err)
	switch {
	case errors.Is(err, remote.ErrAccessDenied):
		c.log.WithError(err).Warn("login check denied")
	case err != nil && !errors.Is(err, remote.ErrNotFound):
		return err
	}
	c.s3 = client
	return nil
}

func (c *Client) Stat(ctx context.Context, p remote.Path) (remote.Attributes, error) {
	if err := c.ensure("stat", p); err != nil {
		return remote.Attributes{}, err
	}
	dirAttrs := remote.Attributes{Mode: os.ModeDir | 0o755}
	bucket, key := split(p)
	if bucket == "" {
		return dirAttrs, nil
	}
	if key == "" {
		_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
		if err != nil {
			return remote.Attributes{}, translate("stat", p.Abs(), err)
		}
		return dirAttrs, nil
	}

	head, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err == nil {
		return remote.Attributes{Size: aws.ToInt64(head.ContentLength), ModTime: aws.ToTime(head.LastModified), Mode: 0o644}, nil
	}
	if err = translate("stat", p.Abs(), err); !errors.Is(err, remote.ErrNotFound) {
		return remote.Attributes{}, err
	}
	// no object, maybe a prefix
	out, lerr := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(key + "/"),
		MaxKeys: aws.Int32(1),
	})
	if lerr != nil {
		return remote.Attributes{}, translate("stat", p.Abs(), lerr)
	}
	if len(out.Contents) > 0 || len(out.CommonPrefixes) > 0 {
		return dirAttrs, nil
	}
	return remote.Attributes{}, err
}

func (c *Client) List(ctx context.Context, dir remote.Path) (remote.List, error) {
	if err := c.ensure("list", dir); err != nil {
		return remote.List{}, err
	}
	bucket, key := split(dir)
	if bucket == "" {
		out, err := c.s3.ListBuckets(ctx, &s3.ListBucketsInput{})
		if err != nil {
			return remote.List{}, translate("list", dir.Abs(), err)
		}
		items := make([]remote.Path, 0, len(out.Buckets))
		for _, b := range out.Buckets {
			attrs := remote.Attributes{Mode: os.ModeDir | 0o755, ModTime: aws.ToTime(b.CreationDate)}
			items = append(items, remote.Child(dir, aws.ToString(b.Name), remote.TypeDirectory).WithAttributes(attrs))
		}
		return remote.NewList(items...), nil
	}

	prefix := ""
	if key != "" {
		prefix = key + "/"
	}
	var items []remote.Path
	pages := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return remote.List{}, translate("list", dir.Abs(), err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			items = append(items, remote.Child(dir, name, remote.TypeDirectory).WithAttributes(remote.Attributes{Mode: os.ModeDir | 0o755}))
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue
			}
			attrs := remote.Attributes{Size: aws.ToInt64(obj.Size), ModTime: aws.ToTime(obj.LastModified), Mode: 0o644}
			items = append(items, remote.Child(dir, name, remote.TypeFile).WithAttributes(attrs))
		}
	}
	return remote.NewList(items...), nil
}

func (c *Client) OpenRead(ctx context.Context, p remote.Path, offset int64) (io.ReadCloser, error) {
	return c.OpenRange(ctx, p, offset, -1)
}

func (c *Client) OpenRange(ctx context.Context, p remote.Path, offset, length int64) (io.ReadCloser, error) {
	if err := c.ensure("read", p); err != nil {
		return nil, err
	}
	bucket, key := split(p)
	input := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if rng := transport.ByteRange(offset, length); rng != "" {
		input.Range = aws.String(rng)
	}
	out, err := c.s3.GetObject(ctx, input)
	if err != nil {
		return nil, translate("read", p.Abs(), err)
	}
	return out.Body, nil
}

// upload spools to a local file and puts it on Close, which gives the SDK
// a seekable body of known length. An aborted upload never reaches the
// bucket.
type upload struct {
	ctx  context.Context
	c    *Client
	p    remote.Path
	file afero.File
	fs   afero.Fs
	done bool
}

func (u *upload) Write(b []byte) (int, error) { return u.file.Write(b) }

// Abort drops the spool; the object keeps its previous content.
func (u *upload) Abort(error) error {
	if u.done {
		return nil
	}
	u.done = true
	u.file.Close()
	return u.fs.Remove(u.file.Name())
}

func (u *upload) Close() error {
	if u.done {
		return nil
	}
	u.done = true
	defer u.fs.Remove(u.file.Name())
	defer u.file.Close()

	size, err := u.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := u.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	bucket, key := split(u.p)
	_, err = u.c.s3.PutObject(u.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          u.file,
		ContentLength: aws.Int64(size),
	})
	return translate("write", u.p.Abs(), err)
}

// OpenWrite replaces the object. Objects are immutable, so positioned
// writes are unsupported.
func (c *Client) OpenWrite(ctx context.Context, p remote.Path, opts transport.WriteOptions) (io.WriteCloser, error) {
	if err := c.ensure("write", p); err != nil {
		return nil, err
	}
	if opts.Offset > 0 {
		return nil, remote.Errorf(remote.ErrUnsupported, "write", p.Abs(), "cannot write at offset %d", opts.Offset)
	}
	if _, key := split(p); key == "" {
		return nil, remote.Errorf(remote.ErrAccessDenied, "write", p.Abs(), "not an object path")
	}
	file, err := afero.TempFile(c.spool, "", "ferry-s3-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	return &upload{ctx: ctx, c: c, p: p, file: file, fs: c.spool}, nil
}

func (c *Client) Delete(ctx context.Context, p remote.Path) error {
	if err := c.ensure("delete", p); err != nil {
		return err
	}
	bucket, key := split(p)
	switch {
	case bucket == "":
		return remote.Errorf(remote.ErrAccessDenied, "delete", p.Abs(), "cannot delete the root")
	case key == "":
		_, err := c.s3.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
		return translate("delete", p.Abs(), err)
	case p.IsDirectory():
		// the placeholder may not exist
		_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key + "/")})
		if err = translate("delete", p.Abs(), err); err != nil && !errors.Is(err, remote.ErrNotFound) {
			return err
		}
		return nil
	}
	if _, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
		return translate("delete", p.Abs(), err)
	}
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	return translate("delete", p.Abs(), err)
}

// Mkdir creates a bucket at the top level and an empty "dir/" placeholder
// object below it.
func (c *Client) Mkdir(ctx context.Context, p remote.Path) error {
	if err := c.ensure("mkdir", p); err != nil {
		return err
	}
	bucket, key := split(p)
	if bucket == "" {
		return nil
	}
	if key == "" {
		input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
		if c.cfg.Region != DefaultRegion {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(c.cfg.Region),
			}
		}
		_, err := c.s3.CreateBucket(ctx, input)
		return translate("mkdir", p.Abs(), err)
	}
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key + "/"),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	return translate("mkdir", p.Abs(), err)
}

func (c *Client) copyObject(ctx context.Context, from, to remote.Path) error {
	srcBucket, srcKey := split(from)
	dstBucket, dstKey := split(to)
	source := (&url.URL{Path: srcBucket + "/" + srcKey}).EscapedPath()
	_, err := c.s3.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(source),
	})
	return translate("copy", from.Abs(), err)
}

// Rename copies and deletes; only objects can be renamed.
func (c *Client) Rename(ctx context.Context, from, to remote.Path) error {
	if err := c.ensure("rename", from); err != nil {
		return err
	}
	if from.IsDirectory() {
		return remote.Errorf(remote.ErrUnsupported, "rename", from.Abs(), "cannot rename a prefix")
	}
	if err := c.copyObject(ctx, from, to); err != nil {
		return err
	}
	bucket, key := split(from)
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	return translate("rename", from.Abs(), err)
}

func (c *Client) Close() error {
	c.s3 = nil
	c.httpClient = nil
	return nil
}

// Feature copies on the server and never resumes uploads.
func (c *Client) Feature(kind feature.Kind, r feature.Resolver) (any, bool) {
	switch kind {
	case feature.KindCopy:
		return &copier{c: c, r: r}, true
	case feature.KindWrite:
		return feature.NoResume(feature.Default(feature.KindWrite, r).(feature.Write)), true
	}
	return nil, false
}

// copier runs CopyObject.
type copier struct {
	c *Client
	r feature.Resolver
}

func (cp *copier) Copy(ctx context.Context, src, dst remote.Path) error {
	if err := cp.c.ensure("copy", src); err != nil {
		return err
	}
	if err := feature.CheckParent(ctx, cp.r.Attributes(), dst); err != nil {
		return err
	}
	return cp.c.copyObject(ctx, src, dst)
}
