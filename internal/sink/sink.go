// Package sink selects the remote store the sync engine uploads to.
package sink

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/saviobatista/fleetsync/internal/config"
	"github.com/saviobatista/fleetsync/internal/db"
	"github.com/saviobatista/fleetsync/internal/kafka"
	"github.com/saviobatista/fleetsync/internal/syncer"
	"github.com/saviobatista/fleetsync/internal/uplink"
)

// Remote is the selected sync target
type Remote struct {
	Uploader syncer.Uploader
	// Store is set only for the Postgres sink, which also keeps alerts,
	// behavior events and statistics
	Store  *db.Client
	closer io.Closer
}

// New builds the uploader named by cfg.RemoteSink
func New(cfg *config.Config) (*Remote, error) {
	switch cfg.RemoteSink {
	case config.SinkPostgres:
		client, err := db.New(cfg.DBConnStr)
		if err != nil {
			return nil, fmt.Errorf("failed to create database client: %w", err)
		}
		return &Remote{Uploader: client, Store: client, closer: client}, nil
	case config.SinkKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("kafka sink needs at least one broker")
		}
		u := kafka.New(cfg.KafkaBrokers, cfg.KafkaTopic)
		return &Remote{Uploader: u, closer: u}, nil
	case config.SinkHTTP:
		return &Remote{Uploader: uplink.New(cfg.UplinkURL, &http.Client{Timeout: 30 * time.Second})}, nil
	default:
		return nil, fmt.Errorf("unknown remote sink %q", cfg.RemoteSink)
	}
}

// Close releases the sink connection
func (r *Remote) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
