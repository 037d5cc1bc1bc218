package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

// pager walks listing pages under a prefix. Each page depends on the
// previous page's continuation token, so pages come strictly in order.
type pager struct {
	p *s3.ListObjectsV2Paginator
}

// newPager lists prefix. With delimit set, keys below the next "/" are
// folded into common prefixes.
func (d *Driver) newPager(prefix string, delimit bool) *pager {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(prefix),
	}
	if delimit {
		input.Delimiter = aws.String("/")
	}
	pageSize := int32(d.conf.PageSize)
	return &pager{p: s3.NewListObjectsV2Paginator(d.client, input, func(o *s3.ListObjectsV2PaginatorOptions) {
		o.Limit = pageSize
	})}
}

// Next returns the next page, or nil when there are no more pages.
func (p *pager) Next(ctx context.Context) (*s3.ListObjectsV2Output, error) {
	if !p.p.HasMorePages() {
		return nil, nil
	}
	return p.p.NextPage(ctx)
}

// forEachObject calls fn for every object under prefix. The objects of one
// page run concurrently, at most PageConcurrency at a time; the next page is
// fetched only after the current page finished. The first error stops the
// walk.
func (d *Driver) forEachObject(ctx context.Context, prefix string, fn func(ctx context.Context, obj types.Object) error) error {
	pg := d.newPager(prefix, false)
	for {
		page, err := pg.Next(ctx)
		if err != nil {
			return err
		}
		if page == nil {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.conf.PageConcurrency)
		for _, obj := range page.Contents {
			g.Go(func() error {
				return fn(gctx, obj)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

// collectObjects returns every object under prefix.
func (d *Driver) collectObjects(ctx context.Context, prefix string) ([]types.Object, error) {
	var objects []types.Object
	pg := d.newPager(prefix, false)
	for {
		page, err := pg.Next(ctx)
		if err != nil {
			return nil, err
		}
		if page == nil {
			return objects, nil
		}
		objects = append(objects, page.Contents...)
	}
}

// prefixSize sums the sizes of every object under prefix.
func (d *Driver) prefixSize(ctx context.Context, prefix string) (int64, error) {
	var total int64
	pg := d.newPager(prefix, false)
	for {
		page, err := pg.Next(ctx)
		if err != nil {
			return 0, err
		}
		if page == nil {
			return total, nil
		}
		for _, obj := range page.Contents {
			total += aws.ToInt64(obj.Size)
		}
	}
}
