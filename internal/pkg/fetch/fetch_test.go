package fetch

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

type fakeObjects struct {
	bucket, key string
	body        []byte
}

func (f *fakeObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.bucket = aws.ToString(in.Bucket)
	f.key = aws.ToString(in.Key)
	return &s3.GetObjectOutput{
		Body:        io.NopCloser(strings.NewReader(string(f.body))),
		ContentType: aws.String("image/webp"),
	}, nil
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.png")
	require.NoError(t, os.WriteFile(path, pngHeader, 0o600))

	l := NewLoader(Options{})
	for _, ref := range []string{path, "file://" + path} {
		data, mt, err := l.Load(context.Background(), ref)
		require.NoError(t, err, ref)
		assert.Equal(t, pngHeader, data)
		assert.Equal(t, "image/png", mt)
	}

	_, _, err := l.Load(context.Background(), filepath.Join(dir, "missing.png"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.jpg":
			w.Header().Set("Content-Type", "image/jpeg; charset=binary")
			_, _ = w.Write([]byte{0xff, 0xd8, 0xff})
		case "/sniff":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(pngHeader)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	l := NewLoader(Options{})
	data, mt, err := l.Load(context.Background(), srv.URL+"/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, data)
	assert.Equal(t, "image/jpeg", mt)

	_, mt, err = l.Load(context.Background(), srv.URL+"/sniff")
	require.NoError(t, err)
	assert.Equal(t, "image/png", mt)

	_, _, err = l.Load(context.Background(), srv.URL+"/missing")
	assert.ErrorContains(t, err, "404")
}

func TestLoadRespectsSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	l := NewLoader(Options{MaxBytes: 32})
	_, _, err := l.Load(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, _, err = l.Load(context.Background(), "data:image/png;base64,"+base64.StdEncoding.EncodeToString(make([]byte, 64)))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestLoadDataURI(t *testing.T) {
	l := NewLoader(Options{})
	data, mt, err := l.Load(context.Background(), "data:image/png;base64,"+base64.StdEncoding.EncodeToString(pngHeader))
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
	assert.Equal(t, "image/png", mt)

	text, err := l.LoadText(context.Background(), "data:text/csv,tag%2Cdef%0Aa%2Cb")
	require.NoError(t, err)
	assert.Equal(t, "tag,def\na,b", text)

	_, _, err = l.Load(context.Background(), "data:image/png;base64")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestLoadS3(t *testing.T) {
	objects := &fakeObjects{body: []byte("RIFF0000WEBP")}
	l := NewLoader(Options{Objects: objects})

	data, mt, err := l.Load(context.Background(), "s3://photos/2024/cat.webp")
	require.NoError(t, err)
	assert.Equal(t, "photos", objects.bucket)
	assert.Equal(t, "2024/cat.webp", objects.key)
	assert.Equal(t, "RIFF0000WEBP", string(data))
	assert.Equal(t, "image/webp", mt)

	_, _, err = l.Load(context.Background(), "s3://photos")
	assert.ErrorIs(t, err, ErrUnsupported)

	_, _, err = NewLoader(Options{}).Load(context.Background(), "s3://photos/cat.webp")
	assert.ErrorIs(t, err, ErrS3NotConfigured)
}

func TestLoadRejectsUnknownSchemes(t *testing.T) {
	_, _, err := NewLoader(Options{}).Load(context.Background(), "ftp://host/a.png")
	assert.ErrorIs(t, err, ErrUnsupported)
	_, _, err = NewLoader(Options{}).Load(context.Background(), " ")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestDecodeInline(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString(pngHeader)
	data, mt, err := DecodeInline(raw)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
	assert.Equal(t, "image/png", mt)

	_, mt, err = DecodeInline("data:image/jpeg;base64," + raw)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mt)

	_, _, err = DecodeInline("%%%")
	assert.Error(t, err)
}
