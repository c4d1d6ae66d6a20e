package imagestore

import (
	"context"
	"testing"
)

func TestS3StoreKeyUsesPrefix(t *testing.T) {
	s := &S3Store{bucket: "o2y-images", prefix: "images/"}
	if got := s.key("op-1.jpg"); got != "images/op-1.jpg" {
		t.Fatalf("unexpected key: %q", got)
	}

	bare := &S3Store{bucket: "o2y-images"}
	if got := bare.key("op-1.jpg"); got != "op-1.jpg" {
		t.Fatalf("unexpected key without prefix: %q", got)
	}
}

func TestNewS3StoreRequiresEndpointAndBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), S3Config{Bucket: "b", Prefix: "images/"}); err == nil {
		t.Fatalf("expected error without endpoint")
	}
	if _, err := NewS3Store(context.Background(), S3Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatalf("expected error without bucket")
	}
}
