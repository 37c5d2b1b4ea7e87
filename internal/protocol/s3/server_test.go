package s3_test

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	accessKey = "AKIDFERRY"
	secretKey = "secret"
	timestamp = "2006-01-02T15:04:05.000Z"
)

// fakeS3 answers the path style requests of the SDK from memory.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
	ranges  []string
	created time.Time
}

// parseRange reads "bytes=N-" and "bytes=N-M" into a half open interval.
func parseRange(rng string, size int) (start, end int, ok bool) {
	first, last, found := strings.Cut(strings.TrimPrefix(rng, "bytes="), "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.Atoi(first)
	if err != nil || start >= size {
		return 0, 0, false
	}
	end = size
	if last != "" {
		n, err := strconv.Atoi(last)
		if err != nil || n < start {
			return 0, 0, false
		}
		end = min(n+1, size)
	}
	return start, end, true
}

func newFakeS3() *fakeS3 {
	return &fakeS3{buckets: make(map[string]map[string][]byte), created: time.Now().UTC().Truncate(time.Second)}
}

type xmlError struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

func writeXML(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(code)
	io.WriteString(w, xml.Header)
	xml.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, r *http.Request, code int, errCode string) {
	if r.Method == http.MethodHead {
		w.WriteHeader(code)
		return
	}
	writeXML(w, code, xmlError{Code: errCode, Message: errCode})
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Authorization"), "Credential="+accessKey+"/") {
		fail(w, r, http.StatusForbidden, "InvalidAccessKeyId")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case bucket == "":
		f.listBuckets(w)
	case key == "":
		f.bucket(w, r, bucket)
	default:
		objects, ok := f.buckets[bucket]
		if !ok {
			fail(w, r, http.StatusNotFound, "NoSuchBucket")
			return
		}
		f.object(w, r, objects, key)
	}
}

type bucketXML struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

type listBucketsXML struct {
	XMLName xml.Name    `xml:"ListAllMyBucketsResult"`
	Buckets []bucketXML `xml:"Buckets>Bucket"`
}

func (f *fakeS3) listBuckets(w http.ResponseWriter) {
	var out listBucketsXML
	for name := range f.buckets {
		out.Buckets = append(out.Buckets, bucketXML{Name: name, CreationDate: f.created.Format(timestamp)})
	}
	sort.Slice(out.Buckets, func(i, j int) bool { return out.Buckets[i].Name < out.Buckets[j].Name })
	writeXML(w, http.StatusOK, out)
}

type contentXML struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

type prefixXML struct {
	Prefix string `xml:"Prefix"`
}

type listObjectsXML struct {
	XMLName        xml.Name     `xml:"ListBucketResult"`
	Name           string       `xml:"Name"`
	Prefix         string       `xml:"Prefix"`
	Delimiter      string       `xml:"Delimiter,omitempty"`
	KeyCount       int          `xml:"KeyCount"`
	MaxKeys        int          `xml:"MaxKeys"`
	IsTruncated    bool         `xml:"IsTruncated"`
	Contents       []contentXML `xml:"Contents"`
	CommonPrefixes []prefixXML  `xml:"CommonPrefixes"`
}

func (f *fakeS3) bucket(w http.ResponseWriter, r *http.Request, bucket string) {
	objects, exists := f.buckets[bucket]
	switch r.Method {
	case http.MethodPut:
		if !exists {
			f.buckets[bucket] = make(map[string][]byte)
		}
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodHead:
		if !exists {
			fail(w, r, http.StatusNotFound, "NotFound")
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}
	if !exists {
		fail(w, r, http.StatusNotFound, "NoSuchBucket")
		return
	}
	switch r.Method {
	case http.MethodDelete:
		if len(objects) > 0 {
			fail(w, r, http.StatusConflict, "BucketNotEmpty")
			return
		}
		delete(f.buckets, bucket)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		f.listObjects(w, r.URL.Query(), bucket, objects)
	default:
		fail(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func (f *fakeS3) listObjects(w http.ResponseWriter, q url.Values, bucket string, objects map[string][]byte) {
	prefix, delimiter := q.Get("prefix"), q.Get("delimiter")
	maxKeys := 1000
	if n, err := strconv.Atoi(q.Get("max-keys")); err == nil {
		maxKeys = n
	}
	keys := make([]string, 0, len(objects))
	for k := range objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := listObjectsXML{Name: bucket, Prefix: prefix, Delimiter: delimiter, MaxKeys: maxKeys}
	seen := map[string]bool{}
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) || out.KeyCount >= maxKeys {
			continue
		}
		rest := k[len(prefix):]
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				cp := prefix + rest[:i+len(delimiter)]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, prefixXML{Prefix: cp})
					out.KeyCount++
				}
				continue
			}
		}
		out.Contents = append(out.Contents, contentXML{
			Key:          k,
			LastModified: f.created.Format(timestamp),
			ETag:         `"etag"`,
			Size:         int64(len(objects[k])),
		})
		out.KeyCount++
	}
	writeXML(w, http.StatusOK, out)
}

type copyResultXML struct {
	XMLName      xml.Name `xml:"CopyObjectResult"`
	ETag         string   `xml:"ETag"`
	LastModified string   `xml:"LastModified"`
}

func (f *fakeS3) object(w http.ResponseWriter, r *http.Request, objects map[string][]byte, key string) {
	data, exists := objects[key]
	switch r.Method {
	case http.MethodPut:
		if source := r.Header.Get("X-Amz-Copy-Source"); source != "" {
			decoded, _ := url.PathUnescape(source)
			srcBucket, srcKey, _ := strings.Cut(strings.TrimPrefix(decoded, "/"), "/")
			src, ok := f.buckets[srcBucket][srcKey]
			if !ok {
				fail(w, r, http.StatusNotFound, "NoSuchKey")
				return
			}
			objects[key] = append([]byte(nil), src...)
			writeXML(w, http.StatusOK, copyResultXML{ETag: `"etag"`, LastModified: f.created.Format(timestamp)})
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			fail(w, r, http.StatusBadRequest, "IncompleteBody")
			return
		}
		objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodDelete:
		delete(objects, key)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !exists {
		fail(w, r, http.StatusNotFound, "NoSuchKey")
		return
	}
	w.Header().Set("ETag", `"etag"`)
	w.Header().Set("Last-Modified", f.created.Format(http.TimeFormat))
	w.Header().Set("Content-Type", "application/octet-stream")
	switch r.Method {
	case http.MethodHead:
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		start, end := 0, len(data)
		if rng := r.Header.Get("Range"); rng != "" {
			f.ranges = append(f.ranges, rng)
			var ok bool
			if start, end, ok = parseRange(rng, len(data)); !ok {
				fail(w, r, http.StatusRequestedRangeNotSatisfiable, "InvalidRange")
				return
			}
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, len(data)))
			w.Header().Set("Content-Length", strconv.Itoa(end-start))
			w.WriteHeader(http.StatusPartialContent)
		} else {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
		}
		w.Write(data[start:end])
	default:
		fail(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}
