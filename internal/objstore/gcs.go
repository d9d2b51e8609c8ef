package objstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/smalldata-ai/ferry-sub000/internal/uri"
)

// GCS is a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// serviceAccount renders the service-account JSON the client library expects
// from the URI's project_id, client_email and private_key.
func serviceAccount(d uri.Descriptor) ([]byte, error) {
	return json.Marshal(map[string]string{
		"type":         "service_account",
		"project_id":   d.Param("project_id", ""),
		"client_email": d.Param("client_email", ""),
		"private_key":  strings.ReplaceAll(d.Param("private_key", ""), `\n`, "\n"),
		"token_uri":    "https://oauth2.googleapis.com/token",
	})
}

func newGCS(ctx context.Context, d uri.Descriptor) (*GCS, error) {
	creds, err := serviceAccount(d)
	if err != nil {
		return nil, err
	}
	client, err := storage.NewClient(ctx, option.WithCredentialsJSON(creds))
	if err != nil {
		return nil, fmt.Errorf("gs: create client: %w", err)
	}
	return &GCS{client: client, bucket: client.Bucket(d.Host)}, nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gs: list %s: %w", prefix, err)
		}
		out = append(out, Object{Key: attrs.Name, Size: attrs.Size, ModTime: attrs.Updated})
	}
	sortObjects(out)
	return out, nil
}

func (g *GCS) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gs: open %s: %w", key, err)
	}
	return r, nil
}

func (g *GCS) Put(ctx context.Context, key string, r io.Reader) error {
	w := g.bucket.Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("gs: write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gs: close %s: %w", key, err)
	}
	return nil
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	err := g.bucket.Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

func (g *GCS) Close() error { return g.client.Close() }
