package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gobeaver/cloudvfs"
)

const transferAttempts = 3

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Minute}
}

// transferer executes cross-account copy plans by piping each signed GET
// into its signed PUT.
type transferer struct {
	client  *http.Client
	workers int
	log     *zap.Logger
}

func (t *transferer) run(ctx context.Context, plan *cloudvfs.TransferPlan) error {
	g, gctx := errgroup.WithContext(ctx)
	if t.workers > 0 {
		g.SetLimit(t.workers)
	}
	for _, pair := range plan.Pairs {
		g.Go(func() error {
			return t.copyWithRetry(gctx, pair)
		})
	}
	return g.Wait()
}

func (t *transferer) copyWithRetry(ctx context.Context, pair cloudvfs.TransferPair) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := t.copy(ctx, pair)
		if err != nil {
			t.log.Debug("transfer attempt failed",
				zap.String("source", pair.SourcePath),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(transferAttempts))
	if err != nil {
		return errs.New("transfer %s -> %s: %v", pair.SourcePath, pair.TargetPath, err)
	}
	t.log.Debug("object transferred", zap.String("source", pair.SourcePath), zap.String("target", pair.TargetPath))
	return nil
}

func (t *transferer) copy(ctx context.Context, pair cloudvfs.TransferPair) (err error) {
	get, err := http.NewRequestWithContext(ctx, http.MethodGet, pair.DownloadURL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := t.client.Do(get)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()
	if err := statusError("download", resp); err != nil {
		return err
	}

	size := pair.Size
	if resp.ContentLength >= 0 {
		size = resp.ContentLength
	}
	put, err := http.NewRequestWithContext(ctx, http.MethodPut, pair.UploadURL, resp.Body)
	if err != nil {
		return backoff.Permanent(err)
	}
	put.ContentLength = size
	if pair.ContentType != "" {
		put.Header.Set("Content-Type", pair.ContentType)
	}
	if size == 0 {
		put.Body = http.NoBody
	}

	putResp, err := t.client.Do(put)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, putResp.Body.Close()) }()
	return statusError("upload", putResp)
}

// statusError turns a non-2xx response into an error. Client errors other
// than timeouts and throttling are not retried.
func statusError(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s: %s: %s", op, resp.Status, body)
	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return err
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(err)
	}
	return err
}
