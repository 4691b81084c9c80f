package archive

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type stubS3 struct {
	input *s3.PutObjectInput
	err   error
}

func (s *stubS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	s.input = params
	if s.err != nil {
		return nil, s.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_Put(t *testing.T) {
	stub := &stubS3{}
	archiver := &S3Archiver{client: stub, bucket: "opscore-segments", prefix: "prod/"}

	if err := archiver.Put(context.Background(), "segments/abc.jsonl", []byte(`{"a":1}`+"\n")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if stub.input == nil {
		t.Fatal("no PutObject call recorded")
	}
	if got := *stub.input.Bucket; got != "opscore-segments" {
		t.Errorf("bucket = %q", got)
	}
	if got := *stub.input.Key; got != "prod/segments/abc.jsonl" {
		t.Errorf("key = %q, prefix must apply", got)
	}
	body, err := io.ReadAll(stub.input.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != `{"a":1}`+"\n" {
		t.Errorf("body = %q", body)
	}
}

func TestS3Archiver_PutError(t *testing.T) {
	stub := &stubS3{err: errors.New("denied")}
	archiver := &S3Archiver{client: stub, bucket: "b"}

	if err := archiver.Put(context.Background(), "k", []byte("x\n")); err == nil {
		t.Fatal("client error must propagate")
	}
}
