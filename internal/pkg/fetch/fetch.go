// Package fetch loads images and tag libraries from files, HTTP, S3 and
// data URIs.
package fetch

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	neturl "net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-resty/resty/v2"
	"github.com/mx-space/imagetag/internal/config"
)

// DefaultMaxBytes caps every load.
const DefaultMaxBytes int64 = 20 << 20

var (
	ErrTooLarge        = errors.New("source exceeds size limit")
	ErrUnsupported     = errors.New("unsupported source reference")
	ErrS3NotConfigured = errors.New("s3 credentials are not configured")
)

// ObjectGetter is the subset of the S3 client the loader needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Options configures a Loader.
type Options struct {
	S3         config.S3Config
	HTTPClient *http.Client
	MaxBytes   int64
	// Objects overrides the S3 client built from S3.
	Objects ObjectGetter
}

// Loader resolves a source reference to bytes and a MIME type.
type Loader struct {
	http     *resty.Client
	objects  ObjectGetter
	maxBytes int64
}

func NewLoader(opts Options) *Loader {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 45 * time.Second}
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	objects := opts.Objects
	if objects == nil && opts.S3.Enabled() {
		objects = newS3Client(opts.S3, hc)
	}
	return &Loader{
		http:     resty.NewWithClient(hc).SetDoNotParseResponse(true),
		objects:  objects,
		maxBytes: maxBytes,
	}
}

func newS3Client(cfg config.S3Config, hc *http.Client) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
		UsePathStyle: cfg.UsePathStyle,
		HTTPClient:   hc,
	}
	if endpoint := cfg.Endpoint; endpoint != "" {
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}

// Load reads ref. The MIME type comes from the transport or the file
// extension and falls back to content sniffing.
func (l *Loader) Load(ctx context.Context, ref string) ([]byte, string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return nil, "", fmt.Errorf("%w: empty reference", ErrUnsupported)
	case strings.HasPrefix(ref, "data:"):
		return l.loadDataURI(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return l.loadHTTP(ctx, ref)
	case strings.HasPrefix(ref, "s3://"):
		return l.loadS3(ctx, ref)
	case strings.HasPrefix(ref, "file://"):
		u, err := neturl.Parse(ref)
		if err != nil {
			return nil, "", fmt.Errorf("parse %q: %w", ref, err)
		}
		return l.loadFile(u.Path)
	case strings.Contains(ref, "://"):
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupported, ref)
	}
	return l.loadFile(ref)
}

// LoadText loads ref as UTF-8 text.
func (l *Loader) LoadText(ctx context.Context, ref string) (string, error) {
	data, _, err := l.Load(ctx, ref)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))), nil
}

func (l *Loader) loadFile(path string) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	data, err := l.readLimited(f)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	return data, detectMime(data, "", path), nil
}

func (l *Loader) loadHTTP(ctx context.Context, ref string) ([]byte, string, error) {
	resp, err := l.http.R().SetContext(ctx).Get(ref)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", ref, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return nil, "", fmt.Errorf("fetch %s: %s", ref, resp.Status())
	}
	data, err := l.readLimited(body)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", ref, err)
	}
	u, _ := neturl.Parse(ref)
	var path string
	if u != nil {
		path = u.Path
	}
	return data, detectMime(data, resp.Header().Get("Content-Type"), path), nil
}

func (l *Loader) loadS3(ctx context.Context, ref string) ([]byte, string, error) {
	if l.objects == nil {
		return nil, "", ErrS3NotConfigured
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(ref, "s3://"), "/")
	if !ok || bucket == "" || key == "" {
		return nil, "", fmt.Errorf("%w: expected s3://bucket/key, got %s", ErrUnsupported, ref)
	}
	out, err := l.objects.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("get %s: %w", ref, err)
	}
	defer out.Body.Close()
	data, err := l.readLimited(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("get %s: %w", ref, err)
	}
	return data, detectMime(data, aws.ToString(out.ContentType), key), nil
}

func (l *Loader) loadDataURI(ref string) ([]byte, string, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: malformed data URI", ErrUnsupported)
	}
	mimeType := meta
	isBase64 := false
	if strings.HasSuffix(meta, ";base64") {
		mimeType = strings.TrimSuffix(meta, ";base64")
		isBase64 = true
	}

	var data []byte
	if isBase64 {
		if int64(base64.StdEncoding.DecodedLen(len(payload))) > l.maxBytes+2 {
			return nil, "", ErrTooLarge
		}
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("decode data URI: %w", err)
		}
		data = decoded
	} else {
		unescaped, err := neturl.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("decode data URI: %w", err)
		}
		data = []byte(unescaped)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, "", ErrTooLarge
	}
	return data, detectMime(data, mimeType, ""), nil
}

func (l *Loader) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > l.maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

// DecodeInline accepts raw base64 or a data URL, as sent by API clients.
func DecodeInline(value string) ([]byte, string, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "data:") {
		return (&Loader{maxBytes: DefaultMaxBytes}).loadDataURI(value)
	}
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	if int64(len(data)) > DefaultMaxBytes {
		return nil, "", ErrTooLarge
	}
	return data, detectMime(data, "", ""), nil
}

func detectMime(data []byte, declared, path string) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "" && mt != "application/octet-stream" {
		return mt
	}
	if ext := filepath.Ext(path); ext != "" {
		if mt := mime.TypeByExtension(strings.ToLower(ext)); mt != "" {
			if parsed, _, err := mime.ParseMediaType(mt); err == nil {
				return parsed
			}
		}
	}
	return http.DetectContentType(data)
}
