package s3

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gobeaver/cloudvfs"
)

// UniqueTarget implements cloudvfs.Driver
func (d *Driver) UniqueTarget(ctx context.Context, t cloudvfs.Target) (cloudvfs.Target, bool, error) {
	sub, renamed, err := d.policy.ResolveCollision(ctx, t.SubPath, d.exists(t))
	if err != nil {
		return t, false, d.mapError("unique-target", t.Path(), err)
	}
	return t.WithSubPath(sub), renamed, nil
}

// copyPlan settles source kind, target kind and the final target name.
func (d *Driver) copyPlan(ctx context.Context, src, dst cloudvfs.Target, dstDriver cloudvfs.Driver, opts cloudvfs.CopyOptions) (cloudvfs.Target, cloudvfs.Target, *cloudvfs.CopyResult, error) {
	src, ok, err := d.kindOf(ctx, src)
	if err != nil {
		return src, dst, nil, d.mapError("copy", src.Path(), err)
	}
	if !ok {
		return src, dst, nil, cloudvfs.NewPathError("copy", src.Path(), cloudvfs.ErrNotFound, "no such file or directory")
	}
	if src.IsRoot() {
		return src, dst, nil, cloudvfs.NewPathError("copy", src.Path(), cloudvfs.ErrBadRequest, "cannot copy the mount root")
	}
	if src.IsDir() {
		dst = dst.WithSubPath(cloudvfs.AsDir(dst.SubPath))
	} else if dst.IsDir() {
		return src, dst, nil, cloudvfs.NewPathError("copy", dst.Path(), cloudvfs.ErrBadRequest, "cannot copy a file onto a directory path")
	}
	if dst.IsRoot() {
		return src, dst, nil, cloudvfs.NewPathError("copy", dst.Path(), cloudvfs.ErrBadRequest, "cannot copy onto the mount root")
	}

	result := &cloudvfs.CopyResult{Source: src.Path(), OriginalTarget: dst.Path(), Target: dst.Path()}
	final, renamed, err := dstDriver.UniqueTarget(ctx, dst)
	if err != nil {
		return src, dst, nil, err
	}
	if renamed && opts.SkipExisting {
		result.Skipped = true
		return src, dst, result, nil
	}
	result.Target = final.Path()
	result.Renamed = renamed
	return src, final, result, nil
}

// Copy implements cloudvfs.Driver. An existing target, the source itself
// included, is resolved to the first free "name(n)" sibling.
func (d *Driver) Copy(ctx context.Context, src, dst cloudvfs.Target, opts cloudvfs.CopyOptions) (*cloudvfs.CopyResult, error) {
	src, final, result, err := d.copyPlan(ctx, src, dst, d, opts)
	if err != nil || result.Skipped {
		return result, err
	}

	srcKey, dstKey := d.key(src), d.key(final)
	if src.IsDir() && strings.HasPrefix(dstKey, srcKey) {
		return nil, cloudvfs.NewPathError("copy", final.Path(), cloudvfs.ErrBadRequest, "cannot copy a directory into itself")
	}

	if !src.IsDir() {
		err = d.copyKey(ctx, srcKey, dstKey)
		result.Objects = 1
	} else {
		var copied atomic.Int64
		err = d.forEachObject(ctx, srcKey, func(ctx context.Context, obj types.Object) error {
			key := aws.ToString(obj.Key)
			if err := d.copyKey(ctx, key, dstKey+strings.TrimPrefix(key, srcKey)); err != nil {
				return err
			}
			copied.Add(1)
			return nil
		})
		if err == nil {
			err = d.putMarker(ctx, dstKey)
		}
		result.Objects = int(copied.Load())
	}
	d.invalidate(final)
	if err != nil {
		return nil, d.mapError("copy", src.Path(), err)
	}
	d.touchAncestors(ctx, final)
	return result, nil
}

// CopyAcross implements cloudvfs.Driver. No bytes are moved: the result
// carries a signed download URL for every source object paired with a
// signed upload URL on the target account.
func (d *Driver) CopyAcross(ctx context.Context, src, dst cloudvfs.Target, dstDriver cloudvfs.Driver, opts cloudvfs.CopyOptions) (*cloudvfs.CopyResult, error) {
	src, final, result, err := d.copyPlan(ctx, src, dst, dstDriver, opts)
	if err != nil || result.Skipped {
		return result, err
	}

	ttl := d.cfg.SignatureTTL(d.conf.DefaultSignatureTTL())
	plan := &cloudvfs.TransferPlan{
		SourceMountID: src.MountID(),
		TargetMountID: final.MountID(),
		TargetRoot:    final.Path(),
		ExpiresAt:     d.now().Add(ttl),
	}

	var objects []types.Object
	srcKey := d.key(src)
	if src.IsDir() {
		objects, err = d.collectObjects(ctx, srcKey)
		if err != nil {
			return nil, d.mapError("copy", src.Path(), err)
		}
		// The target directory exists from the start, even when empty.
		if err := dstDriver.CreateDirectory(ctx, final); err != nil {
			return nil, err
		}
	} else {
		out, err := d.head(ctx, srcKey)
		if err != nil {
			return nil, d.mapError("copy", src.Path(), err)
		}
		objects = []types.Object{{Key: aws.String(srcKey), Size: out.ContentLength}}
	}

	for _, obj := range objects {
		key := aws.ToString(obj.Key)
		if strings.HasSuffix(key, "/") {
			// Markers carry no bytes, but empty directories must survive.
			rel := strings.TrimPrefix(key, srcKey)
			if !src.IsDir() || rel == "" {
				continue
			}
			dir := final.WithSubPath(cloudvfs.AsDir(cloudvfs.JoinPath(final.SubPath, rel)))
			if err := dstDriver.CreateDirectory(ctx, dir); err != nil && !cloudvfs.IsConflict(err) {
				return nil, err
			}
			continue
		}
		from := src.WithSubPath(d.subPath(key))
		to := final
		if src.IsDir() {
			to = final.WithSubPath(cloudvfs.JoinPath(final.SubPath, strings.TrimPrefix(key, srcKey)))
		}

		get, err := d.PresignURL(ctx, from, cloudvfs.PresignOptions{
			Operation:     cloudvfs.PresignDownload,
			ForceDownload: true,
			ExpiresIn:     ttl,
			NoCache:       true,
		})
		if err != nil {
			return nil, err
		}
		put, err := dstDriver.PresignURL(ctx, to, cloudvfs.PresignOptions{
			Operation: cloudvfs.PresignUpload,
			ExpiresIn: ttl,
			NoCache:   true,
		})
		if err != nil {
			return nil, err
		}
		plan.Pairs = append(plan.Pairs, cloudvfs.TransferPair{
			SourcePath:  from.Path(),
			TargetPath:  to.Path(),
			Size:        aws.ToInt64(obj.Size),
			ContentType: put.ContentType,
			DownloadURL: get.URL,
			UploadURL:   put.URL,
		})
	}

	result.Objects = len(plan.Pairs)
	result.Transfer = plan
	return result, nil
}
