package main

import (
	"fmt"

	"bulkupsert/internal/config"
	"bulkupsert/internal/metrics"
	"bulkupsert/internal/metrics/datadog"
	"bulkupsert/internal/metrics/prompush"

	"github.com/rs/zerolog"
)

// setupMetrics installs the job's metrics backend. The returned function
// flushes it and must run once the job is done.
func setupMetrics(job config.Job, log zerolog.Logger) (func(), error) {
	var (
		b   metrics.Backend
		err error
	)
	switch job.Metrics.Backend {
	case "", "none":
		log.Debug().Msg("metrics disabled")
		return func() {}, nil
	case "pushgateway":
		b, err = prompush.NewBackend(job.Name, job.Metrics.PushgatewayURL)
	case "datadog":
		b, err = datadog.NewBackend(datadog.Config{
			Addr:       job.Metrics.DatadogAddr,
			Namespace:  "bulkupsert.",
			GlobalTags: []string{"job:" + job.Name},
		})
	default:
		return nil, fmt.Errorf("metrics: unknown backend %q", job.Metrics.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	log.Info().Str("backend", job.Metrics.Backend).Msg("metrics enabled")
	metrics.SetBackend(b)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Warn().Err(err).Msg("metrics flush")
		}
	}, nil
}
