package objstore

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/smalldata-ai/ferry-sub000/internal/uri"
)

// Azure is a blob container.
type Azure struct {
	client    *azblob.Client
	container string
}

func newAzure(d uri.Descriptor) (*Azure, error) {
	account := d.Param("account_name", "")
	cred, err := azblob.NewSharedKeyCredential(account, d.Param("account_key", ""))
	if err != nil {
		return nil, fmt.Errorf("az: credential: %w", err)
	}
	endpoint := d.Param("endpoint", fmt.Sprintf("https://%s.blob.core.windows.net/", account))
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("az: create client: %w", err)
	}
	return &Azure{client: client, container: d.Host}, nil
}

func (a *Azure) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("az: list %s: %w", prefix, err)
		}
		for _, b := range page.Segment.BlobItems {
			if b.Name == nil {
				continue
			}
			o := Object{Key: *b.Name}
			if p := b.Properties; p != nil {
				if p.ContentLength != nil {
					o.Size = *p.ContentLength
				}
				if p.LastModified != nil {
					o.ModTime = *p.LastModified
				}
			}
			out = append(out, o)
		}
	}
	sortObjects(out)
	return out, nil
}

func (a *Azure) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, key, nil)
	if err != nil {
		return nil, fmt.Errorf("az: download %s: %w", key, err)
	}
	return resp.Body, nil
}

func (a *Azure) Put(ctx context.Context, key string, r io.Reader) error {
	if _, err := a.client.UploadStream(ctx, a.container, key, r, nil); err != nil {
		return fmt.Errorf("az: upload %s: %w", key, err)
	}
	return nil
}

func (a *Azure) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteBlob(ctx, a.container, key, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil
	}
	return err
}

func (a *Azure) Close() error { return nil }
