package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rb3ckers/storefetch/datatypes"
	"github.com/rb3ckers/storefetch/internal/config"
	"github.com/rb3ckers/storefetch/internal/fetch"
	"github.com/rb3ckers/storefetch/internal/registry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const cliSite = "cli"

var ErrCancelled = errors.New("request cancelled")

type requestFlags struct {
	method      string
	params      map[string]string
	headers     map[string]string
	data        string
	credentials bool
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.method, "method", "X", "GET", "HTTP method: GET, POST, PUT, PATCH or DELETE")
	cmd.Flags().StringToStringVar(&f.params, "param", nil, "Query parameter to add, as key=value")
	cmd.Flags().StringToStringVar(&f.headers, "header", nil, "Header to send, as key=value")
	cmd.Flags().StringVar(&f.data, "data", "", "JSON body sent with POST, PUT and PATCH")
	cmd.Flags().BoolVar(&f.credentials, "credentials", false, "Send the session cookie and basic auth credentials")
}

func (f *requestFlags) description(endpoint string) (datatypes.RequestDescription, error) {
	d := datatypes.RequestDescription{
		Endpoint: endpoint,
		Method:   datatypes.Method(f.method),
		Options: datatypes.Options{
			Headers:     f.headers,
			Credentials: f.credentials,
		},
	}

	if len(f.params) > 0 {
		d.Options.Params = make(map[string]any, len(f.params))
		for k, v := range f.params {
			d.Options.Params[k] = v
		}
	}

	if f.data != "" {
		if err := json.Unmarshal([]byte(f.data), &d.Options.Data); err != nil {
			return d, fmt.Errorf("invalid --data: %w", err)
		}
	}

	return d, nil
}

// RunRequest dispatches d and writes the result to out as indented JSON.
// SIGINT and SIGTERM cancel the request.
func RunRequest(ctx context.Context, cfg *config.Config, d datatypes.RequestDescription, out io.Writer) error {
	logger := zerolog.Ctx(ctx)

	client, err := fetch.NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.CloseIdleConnections()

	metricsRegistry := prometheus.NewRegistry()

	metrics, err := fetch.NewMetrics(metricsRegistry)
	if err != nil {
		return err
	}
	defer logMetrics(logger, metricsRegistry)

	reg := registry.NewRegistry(cfg, client, metrics)
	defer reg.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sigs)

	_, inst, err := reg.Start(ctx, cliSite, d, fetch.Callbacks{
		OnLoading: func(loading bool) {
			logger.Debug().Bool("loading", loading).Msg("Loading state changed")
		},
	})
	if err != nil {
		return err
	}

	go func() {
		select {
		case sig := <-sigs:
			logger.Info().Str("signal", sig.String()).Msg("Received signal, cancelling request")
			reg.Cancel(cliSite)
		case <-inst.Done():
		}
	}()

	outcome, err := inst.Wait(ctx)
	if err != nil {
		return err
	}

	switch outcome.State {
	case fetch.StateSucceeded:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		return enc.Encode(outcome.Result)
	case fetch.StateFailed:
		if outcome.Err != nil {
			return outcome.Err
		}

		return errors.New(outcome.Message)
	default:
		return ErrCancelled
	}
}

// logMetrics writes every gathered sample to the debug log.
func logMetrics(logger *zerolog.Logger, gatherer prometheus.Gatherer) {
	if logger.GetLevel() > zerolog.DebugLevel || zerolog.GlobalLevel() > zerolog.DebugLevel {
		return
	}

	families, err := gatherer.Gather()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to gather metrics")
		return
	}

	for _, family := range families {
		for _, m := range family.GetMetric() {
			event := logger.Debug().Str("metric", family.GetName())

			for _, label := range m.GetLabel() {
				event = event.Str(label.GetName(), label.GetValue())
			}

			if c := m.GetCounter(); c != nil {
				event = event.Float64("value", c.GetValue())
			}

			if h := m.GetHistogram(); h != nil {
				event = event.Uint64("count", h.GetSampleCount()).Float64("sum", h.GetSampleSum())
			}

			event.Msg("Metric")
		}
	}
}
