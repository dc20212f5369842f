package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestUploadFile(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "chart.png")
	if err := os.WriteFile(local, []byte("png-bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	fake := &fakePutter{}
	u := newUploader(fake, "reports", "/collmon/daily/", zerolog.Nop())
	key, err := u.UploadFile(context.Background(), local, "DAI/chart.png")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if key != "collmon/daily/DAI/chart.png" {
		t.Fatalf("unexpected key %q", key)
	}
	if aws.ToString(fake.input.Bucket) != "reports" {
		t.Fatalf("unexpected bucket %q", aws.ToString(fake.input.Bucket))
	}
	if ct := aws.ToString(fake.input.ContentType); ct != "image/png" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if string(fake.body) != "png-bytes" {
		t.Fatalf("unexpected body %q", fake.body)
	}
}

func TestUploadFileErrors(t *testing.T) {
	u := newUploader(&fakePutter{err: errors.New("denied")}, "reports", "", zerolog.Nop())
	if _, err := u.UploadFile(context.Background(), filepath.Join(t.TempDir(), "missing.png"), "x.png"); err == nil {
		t.Fatal("missing file should fail")
	}

	local := filepath.Join(t.TempDir(), "chart.png")
	if err := os.WriteFile(local, []byte{0x89}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := u.UploadFile(context.Background(), local, "chart.png"); err == nil {
		t.Fatal("put failure should surface")
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	if got := normaliseEndpoint("minio:9000"); got != "https://minio:9000" {
		t.Fatalf("got %q", got)
	}
	if got := normaliseEndpoint("http://localhost:9000"); got != "http://localhost:9000" {
		t.Fatalf("got %q", got)
	}
}
