package natsclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sethvargo/go-retry"
	"github.com/sifan077/quicklink/config"
	"github.com/sifan077/quicklink/internal/app/model"
)

const (
	defaultConnectTimeout = 5 * time.Second
	connectAttempts       = 5
	connectBackoff        = 250 * time.Millisecond
)

// Connect opens a NATS connection with JetStream, retrying while the
// server is still coming up.
func Connect(ctx context.Context, cfg config.NATSConfig) (*nats.Conn, nats.JetStreamContext, error) {
	opts := []nats.Option{
		nats.Timeout(defaultConnectTimeout),
		nats.Name("quicklink"),
		nats.MaxReconnects(-1),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	var conn *nats.Conn
	backoff := retry.WithMaxRetries(connectAttempts, retry.NewExponential(connectBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := nats.Connect(URL(cfg), opts...)
		if err != nil {
			if errors.Is(err, nats.ErrNoServers) || errors.Is(err, nats.ErrTimeout) {
				return retry.RetryableError(err)
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("nats: connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("nats: init jetstream: %w", err)
	}
	return conn, js, nil
}

// StreamManager is the part of nats.JetStreamContext that manages streams.
type StreamManager interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// EnsureAccessStream creates the link access stream when it is missing.
func EnsureAccessStream(js StreamManager) error {
	_, err := js.StreamInfo(model.AccessStreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("nats: stream info: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      model.AccessStreamName,
		Subjects:  []string{model.AccessStreamSubject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxBytes:  model.AccessStreamMaxBytes,
	})
	if err != nil {
		return fmt.Errorf("nats: add stream %s: %w", model.AccessStreamName, err)
	}
	return nil
}

// URL returns the client URL for cfg with local defaults filled in.
func URL(cfg config.NATSConfig) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 4222
	}
	return fmt.Sprintf("nats://%s:%d", host, port)
}
