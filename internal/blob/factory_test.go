package blob

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		cfg  Config
		want Driver
	}{
		{Config{FSRoot: filepath.Join(t.TempDir(), "fs")}, DriverFilesystem},
		{Config{Driver: DriverMemory}, DriverMemory},
		{Config{Driver: DriverS3, S3: S3Config{Bucket: "b", Region: "eu-west-1"}}, DriverS3},
	}
	for _, tc := range cases {
		store, err := Open(ctx, tc.cfg)
		if err != nil {
			t.Fatalf("open %+v: %v", tc.cfg, err)
		}
		if store.Driver() != tc.want {
			t.Fatalf("driver = %s, want %s", store.Driver(), tc.want)
		}
	}
	if _, err := Open(ctx, Config{Driver: "ftp"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, err := Open(ctx, Config{Driver: DriverS3}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
}

func TestStoresShareSemantics(t *testing.T) {
	ctx := context.Background()
	fsStore, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	for _, store := range []Store{NewMemory(), fsStore, NewMockS3ForTests()} {
		if _, err := store.Put(ctx, "k/1", strings.NewReader("v"), PutOptions{}); err != nil {
			t.Fatalf("%s put: %v", store.Driver(), err)
		}
		if _, err := store.Put(ctx, "k/1", strings.NewReader("v"), PutOptions{}); !errors.Is(err, ErrExists) {
			t.Fatalf("%s: expected ErrExists, got %v", store.Driver(), err)
		}
		if _, _, err := store.Get(ctx, "k/2"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", store.Driver(), err)
		}
	}
}
