package s3

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gobeaver/cloudvfs"
)

// markerContentType is stored on directory marker objects.
const markerContentType = "application/x-directory"

// touchedMetaKey carries the last time a marker was refreshed.
const touchedMetaKey = "touched-at"

// dirExists checks the marker object first and falls back to a one-key
// listing for directories that only exist implicitly.
func (d *Driver) dirExists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if !isNotFound(err) {
		return false, err
	}

	resp, err := d.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(d.bucket),
		Prefix:  aws.String(key),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, err
	}
	return len(resp.Contents) > 0 || len(resp.CommonPrefixes) > 0, nil
}

// ListDirectory implements cloudvfs.Driver. Listings are served from the
// directory cache while fresh.
func (d *Driver) ListDirectory(ctx context.Context, t cloudvfs.Target) (*cloudvfs.Listing, error) {
	t = t.WithSubPath(cloudvfs.AsDir(t.SubPath))
	if listing, ok := d.deps.DirCache.Get(t.MountID(), t.SubPath); ok {
		return listing, nil
	}

	prefix := d.key(t)
	var (
		dirs  []cloudvfs.FileInfo
		files []cloudvfs.FileInfo
		seen  bool
	)
	pg := d.newPager(prefix, true)
	for {
		page, err := pg.Next(ctx)
		if err != nil {
			return nil, d.mapError("list", t.Path(), err)
		}
		if page == nil {
			break
		}
		for _, cp := range page.CommonPrefixes {
			key := aws.ToString(cp.Prefix)
			sub := t.WithSubPath(d.subPath(key))
			dirs = append(dirs, cloudvfs.FileInfo{
				Name:    cloudvfs.BaseName(key),
				Path:    sub.Path(),
				IsDir:   true,
				Key:     key,
				MountID: t.MountID(),
			})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				seen = true
				continue
			}
			name := strings.TrimPrefix(key, prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			files = append(files, d.objectInfo(t, obj))
		}
	}

	if len(dirs) == 0 && len(files) == 0 && !seen && !t.IsRoot() {
		ok, err := d.dirExists(ctx, prefix)
		if err != nil {
			return nil, d.mapError("list", t.Path(), err)
		}
		if !ok {
			return nil, cloudvfs.NewPathError("list", t.Path(), cloudvfs.ErrNotFound, "no such directory")
		}
	}

	d.enrichDirs(ctx, dirs)

	items := append(dirs, files...)
	cloudvfs.SortItems(items)
	listing := &cloudvfs.Listing{Path: t.Path(), MountID: t.MountID(), Items: items}
	d.deps.DirCache.Set(t.MountID(), t.SubPath, listing, t.Mount.CacheDuration())
	return listing, nil
}

// objectInfo describes a listed object. The content type comes from the
// extension only.
func (d *Driver) objectInfo(dir cloudvfs.Target, obj types.Object) cloudvfs.FileInfo {
	key := aws.ToString(obj.Key)
	name := cloudvfs.BaseName(key)
	return cloudvfs.FileInfo{
		Name:        name,
		Path:        dir.WithSubPath(d.subPath(key)).Path(),
		Size:        aws.ToInt64(obj.Size),
		ModTime:     aws.ToTime(obj.LastModified),
		ContentType: cloudvfs.ContentTypeByName(name),
		ETag:        strings.Trim(aws.ToString(obj.ETag), `"`),
		Key:         key,
		MountID:     dir.MountID(),
	}
}

// enrichDirs fills in the marker modification time and the recursive size
// of each directory. Failures fall back to now and 0.
func (d *Driver) enrichDirs(ctx context.Context, dirs []cloudvfs.FileInfo) {
	var g errgroup.Group
	g.SetLimit(d.conf.EnrichConcurrency)
	for i := range dirs {
		dir := &dirs[i]
		g.Go(func() error {
			dir.ModTime = d.now()
			head, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(d.bucket),
				Key:    aws.String(dir.Key),
			})
			if err == nil {
				dir.ModTime = aws.ToTime(head.LastModified)
			} else if !isNotFound(err) {
				d.log.Debug("directory marker lookup failed", zap.String("key", dir.Key), zap.Error(err))
			}

			size, err := d.prefixSize(ctx, dir.Key)
			if err != nil {
				d.log.Debug("directory size scan failed", zap.String("key", dir.Key), zap.Error(err))
				size = 0
			}
			dir.Size = size
			return nil
		})
	}
	_ = g.Wait()
}

// CreateDirectory implements cloudvfs.Driver
func (d *Driver) CreateDirectory(ctx context.Context, t cloudvfs.Target) error {
	t = t.WithSubPath(cloudvfs.AsDir(t.SubPath))
	if t.IsRoot() {
		return nil
	}
	key := d.key(t)
	exists, err := d.dirExists(ctx, key)
	if err != nil {
		return d.mapError("mkdir", t.Path(), err)
	}
	if exists {
		return cloudvfs.NewPathError("mkdir", t.Path(), cloudvfs.ErrConflict, "directory exists")
	}
	// A file of the same name would shadow the directory in listings.
	if _, err := d.head(ctx, cloudvfs.ObjectKey(d.root, cloudvfs.AsFile(t.SubPath))); err == nil {
		return cloudvfs.NewPathError("mkdir", t.Path(), cloudvfs.ErrConflict, "a file with this name exists")
	}

	if err := d.putMarker(ctx, key); err != nil {
		return d.mapError("mkdir", t.Path(), err)
	}
	d.touchAncestors(ctx, t)
	d.invalidate(t)
	return nil
}

func (d *Driver) putMarker(ctx context.Context, key string) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String(markerContentType),
		Metadata:      map[string]string{touchedMetaKey: d.now().UTC().Format(time.RFC3339)},
	})
	return err
}

// touchAncestors refreshes the modification time of every directory above
// t up to the mount root, creating missing markers. Failures are logged.
func (d *Driver) touchAncestors(ctx context.Context, t cloudvfs.Target) {
	for dir := cloudvfs.ParentPath(t.SubPath); dir != "/"; dir = cloudvfs.ParentPath(dir) {
		key := cloudvfs.ObjectKey(d.root, dir)
		if key == "" || key == d.root {
			return
		}
		if err := d.touchMarker(ctx, key); err != nil {
			d.log.Warn("touch directory marker failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// touchMarker copies a marker onto itself with fresh metadata, or creates it.
func (d *Driver) touchMarker(ctx context.Context, key string) error {
	_, err := d.head(ctx, key)
	if isNotFound(err) {
		return d.putMarker(ctx, key)
	}
	if err != nil {
		return err
	}
	_, err = d.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(d.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(d.copySource(key)),
		MetadataDirective: types.MetadataDirectiveReplace,
		ContentType:       aws.String(markerContentType),
		Metadata:          map[string]string{touchedMetaKey: d.now().UTC().Format(time.RFC3339)},
	})
	return err
}
