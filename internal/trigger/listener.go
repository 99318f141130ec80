package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/notification"

	"github.com/seantiz/pipetrigger/internal/config"
	"github.com/seantiz/pipetrigger/internal/model"
)

// NotificationSource streams bucket notifications. *minio.Client satisfies it.
type NotificationSource interface {
	ListenBucketNotification(ctx context.Context, bucket, prefix, suffix string, events []string) <-chan notification.Info
}

// NewMinIOClient builds a MinIO client from static credentials.
func NewMinIOClient(cfg config.MinIOConfig) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return client, nil
}

// Handler receives each object-creation event.
type Handler func(ctx context.Context, ev model.BlobEvent)

// Listener subscribes to a bucket and forwards object creations to a handler,
// reconnecting when the stream ends or errors.
type Listener struct {
	src    NotificationSource
	bucket string
	prefix string
	suffix string
	logger *slog.Logger

	// newBackOff is replaced in tests.
	newBackOff func() backoff.BackOff
}

// NewListener creates a listener for bucket filtered by prefix and suffix.
func NewListener(src NotificationSource, cfg config.MinIOConfig, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		src:    src,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		suffix: cfg.Suffix,
		logger: logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run listens until ctx is cancelled and returns ctx.Err().
func (l *Listener) Run(ctx context.Context, handle Handler) error {
	if l.bucket == "" {
		return errors.New("minio bucket is required")
	}
	b := backoff.WithContext(l.newBackOff(), ctx)
	for {
		received, err := l.listen(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return ctx.Err()
		}
		l.logger.Warn("minio notification stream ended",
			"bucket", l.bucket, "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// listen consumes one stream. It reports whether any record arrived so the
// caller can reset its backoff.
func (l *Listener) listen(ctx context.Context, handle Handler) (bool, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.logger.Info("listening for bucket notifications",
		"bucket", l.bucket, "prefix", l.prefix, "suffix", l.suffix)
	ch := l.src.ListenBucketNotification(streamCtx, l.bucket, l.prefix, l.suffix,
		[]string{string(notification.ObjectCreatedAll)})

	received := false
	for info := range ch {
		if info.Err != nil {
			return received, info.Err
		}
		events, err := FromNotification(info.Records)
		if err != nil {
			l.logger.Warn("skip minio notification", "error", err)
			continue
		}
		for _, ev := range events {
			received = true
			handle(ctx, ev)
		}
	}
	return received, errors.New("notification channel closed")
}
