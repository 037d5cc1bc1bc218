package s3

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/gobeaver/cloudvfs"
)

func (d *Driver) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	return d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
}

// kindOf settles whether t names a file or a directory. A path without a
// trailing slash is a file when the object exists, otherwise a directory
// when one exists under that name. The returned target carries the
// canonical form.
func (d *Driver) kindOf(ctx context.Context, t cloudvfs.Target) (cloudvfs.Target, bool, error) {
	if t.IsRoot() {
		return t.WithSubPath("/"), true, nil
	}
	if t.IsDir() {
		ok, err := d.dirExists(ctx, d.key(t))
		return t, ok, err
	}
	_, err := d.head(ctx, d.key(t))
	if err == nil {
		return t, true, nil
	}
	if !isNotFound(err) {
		return t, false, err
	}
	dir := t.WithSubPath(cloudvfs.AsDir(t.SubPath))
	ok, err := d.dirExists(ctx, d.key(dir))
	if err != nil || !ok {
		return t, false, err
	}
	return dir, true, nil
}

// Stat implements cloudvfs.Driver
func (d *Driver) Stat(ctx context.Context, t cloudvfs.Target) (*cloudvfs.FileInfo, error) {
	if !t.IsDir() && !t.IsRoot() {
		out, err := d.head(ctx, d.key(t))
		if err == nil {
			name := cloudvfs.BaseName(t.SubPath)
			return &cloudvfs.FileInfo{
				Name:        name,
				Path:        t.Path(),
				Size:        aws.ToInt64(out.ContentLength),
				ModTime:     aws.ToTime(out.LastModified),
				ContentType: cloudvfs.ContentTypeByName(name),
				ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
				Key:         d.key(t),
				MountID:     t.MountID(),
			}, nil
		}
		if !isNotFound(err) {
			return nil, d.mapError("stat", t.Path(), err)
		}
	}

	dir, ok, err := d.kindOf(ctx, t.WithSubPath(cloudvfs.AsDir(t.SubPath)))
	if err != nil {
		return nil, d.mapError("stat", t.Path(), err)
	}
	if !ok {
		return nil, cloudvfs.NewPathError("stat", t.Path(), cloudvfs.ErrNotFound, "no such file or directory")
	}
	info := &cloudvfs.FileInfo{
		Name:    cloudvfs.BaseName(dir.SubPath),
		Path:    dir.Path(),
		IsDir:   true,
		ModTime: d.now(),
		Key:     d.key(dir),
		MountID: dir.MountID(),
	}
	if !dir.IsRoot() {
		if out, err := d.head(ctx, d.key(dir)); err == nil {
			info.ModTime = aws.ToTime(out.LastModified)
		}
	}
	return info, nil
}

// Exists implements cloudvfs.Driver
func (d *Driver) Exists(ctx context.Context, t cloudvfs.Target) (bool, error) {
	_, ok, err := d.kindOf(ctx, t)
	if err != nil {
		return false, d.mapError("exists", t.Path(), err)
	}
	return ok, nil
}

// exists reports whether a mount-relative path is taken, for collision probes.
func (d *Driver) exists(t cloudvfs.Target) cloudvfs.ExistsFunc {
	return func(ctx context.Context, subPath string) (bool, error) {
		_, ok, err := d.kindOf(ctx, t.WithSubPath(subPath))
		return ok, err
	}
}

// Open implements cloudvfs.Driver
func (d *Driver) Open(ctx context.Context, t cloudvfs.Target, opts cloudvfs.ReadOptions) (*cloudvfs.ObjectReader, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(t)),
	}
	if opts.Range != "" {
		input.Range = aws.String(opts.Range)
	}
	out, err := d.client.GetObject(ctx, input)
	if err != nil {
		return nil, d.mapError("open", t.Path(), err)
	}
	name := cloudvfs.BaseName(t.SubPath)
	return &cloudvfs.ObjectReader{
		ReadCloser: out.Body,
		Info: cloudvfs.FileInfo{
			Name:        name,
			Path:        t.Path(),
			Size:        aws.ToInt64(out.ContentLength),
			ModTime:     aws.ToTime(out.LastModified),
			ContentType: cloudvfs.ContentTypeByName(name),
			ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
			Key:         d.key(t),
			MountID:     t.MountID(),
		},
		ContentLength: aws.ToInt64(out.ContentLength),
		ContentRange:  aws.ToString(out.ContentRange),
	}, nil
}

// Usage implements cloudvfs.Driver. It sums every object under the root
// prefix.
func (d *Driver) Usage(ctx context.Context) (int64, error) {
	total, err := d.prefixSize(ctx, d.root)
	if err != nil {
		return 0, d.mapError("usage", "/", err)
	}
	return total, nil
}

// Remove implements cloudvfs.Driver. Directories are removed with
// everything below them.
func (d *Driver) Remove(ctx context.Context, t cloudvfs.Target) error {
	t, ok, err := d.kindOf(ctx, t)
	if err != nil {
		return d.mapError("remove", t.Path(), err)
	}
	if !ok {
		return cloudvfs.NewPathError("remove", t.Path(), cloudvfs.ErrNotFound, "no such file or directory")
	}
	if t.IsRoot() {
		return cloudvfs.NewPathError("remove", t.Path(), cloudvfs.ErrBadRequest, "cannot remove the mount root")
	}

	if t.IsDir() {
		err = d.forEachObject(ctx, d.key(t), func(ctx context.Context, obj types.Object) error {
			return d.deleteKey(ctx, aws.ToString(obj.Key))
		})
		if err == nil {
			// implicit directories have no marker; deleting it anyway is a no-op
			err = d.deleteKey(ctx, d.key(t))
		}
	} else {
		err = d.deleteKey(ctx, d.key(t))
	}
	// Partial deletes still changed the mount.
	d.invalidate(t)
	if err != nil {
		return d.mapError("remove", t.Path(), err)
	}
	d.touchAncestors(ctx, t)
	return nil
}

// deleteKey deletes one object and its file registry record.
func (d *Driver) deleteKey(ctx context.Context, key string) error {
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return err
	}
	if d.deps.Registry != nil && !strings.HasSuffix(key, "/") {
		if err := d.deps.Registry.DeleteByKey(ctx, d.cfg.ID, key); err != nil && !errors.Is(err, cloudvfs.ErrNotFound) {
			d.log.Warn("file registry cleanup failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Rename implements cloudvfs.Driver. The target must not exist and must be
// of the same kind as the source.
func (d *Driver) Rename(ctx context.Context, src, dst cloudvfs.Target) error {
	src, ok, err := d.kindOf(ctx, src)
	if err != nil {
		return d.mapError("rename", src.Path(), err)
	}
	if !ok {
		return cloudvfs.NewPathError("rename", src.Path(), cloudvfs.ErrNotFound, "no such file or directory")
	}
	if src.IsDir() {
		dst = dst.WithSubPath(cloudvfs.AsDir(dst.SubPath))
	} else if dst.IsDir() {
		return cloudvfs.NewPathError("rename", dst.Path(), cloudvfs.ErrBadRequest, "cannot rename a file onto a directory")
	}
	if dst.IsRoot() {
		return cloudvfs.NewPathError("rename", dst.Path(), cloudvfs.ErrBadRequest, "cannot rename onto the mount root")
	}

	taken, err := d.exists(dst)(ctx, dst.SubPath)
	if err != nil {
		return d.mapError("rename", dst.Path(), err)
	}
	if taken {
		return cloudvfs.NewPathError("rename", dst.Path(), cloudvfs.ErrConflict, "target exists")
	}

	srcKey, dstKey := d.key(src), d.key(dst)
	if src.IsDir() && strings.HasPrefix(dstKey, srcKey) {
		return cloudvfs.NewPathError("rename", dst.Path(), cloudvfs.ErrBadRequest, "cannot move a directory into itself")
	}

	move := func(ctx context.Context, from, to string) error {
		if err := d.copyKey(ctx, from, to); err != nil {
			return err
		}
		return d.deleteKey(ctx, from)
	}
	if src.IsDir() {
		err = d.forEachObject(ctx, srcKey, func(ctx context.Context, obj types.Object) error {
			key := aws.ToString(obj.Key)
			return move(ctx, key, dstKey+strings.TrimPrefix(key, srcKey))
		})
		if err == nil {
			err = d.putMarker(ctx, dstKey)
		}
	} else {
		err = move(ctx, srcKey, dstKey)
	}
	d.invalidate(dst)
	if err != nil {
		return d.mapError("rename", src.Path(), err)
	}
	d.touchAncestors(ctx, src)
	d.touchAncestors(ctx, dst)
	return nil
}

// copyKey copies one object inside the bucket, keeping its metadata.
func (d *Driver) copyKey(ctx context.Context, from, to string) error {
	_, err := d.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(d.bucket),
		Key:               aws.String(to),
		CopySource:        aws.String(d.copySource(from)),
		MetadataDirective: types.MetadataDirectiveCopy,
	})
	return err
}
