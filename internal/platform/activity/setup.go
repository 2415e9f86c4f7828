package activity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/meg/meg/internal/platform/websocket"
)

// Options selects and configures the sinks named in ACTIVITY_SINKS.
type Options struct {
	Sinks        []string
	KafkaBrokers []string
	KafkaTopic   string
	SQSQueueURL  string
	SQSRegion    string

	WebhookURL    string
	WebhookSecret string
}

// Deps are the shared resources some sinks write through.
type Deps struct {
	Pool   TxBeginner
	Hub    websocket.EventPublisher
	Logger zerolog.Logger
}

// NewSinks builds the configured sinks. The returned closer flushes and
// closes the ones that hold connections.
func NewSinks(ctx context.Context, opts Options, deps Deps) ([]Sink, func() error, error) {
	var (
		sinks   []Sink
		closers []io.Closer
	)
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	}

	for _, name := range opts.Sinks {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "log":
			sinks = append(sinks, NewLogSink(deps.Logger))
		case "db":
			if deps.Pool == nil {
				return nil, closeAll, fmt.Errorf("activity sink db requires a database pool")
			}
			sinks = append(sinks, NewDBSink(deps.Pool))
		case "websocket":
			if deps.Hub == nil {
				return nil, closeAll, fmt.Errorf("activity sink websocket requires a hub")
			}
			sinks = append(sinks, NewHubSink(deps.Hub))
		case "kafka":
			if len(opts.KafkaBrokers) == 0 {
				return nil, closeAll, fmt.Errorf("activity sink kafka requires brokers")
			}
			k := NewKafkaSink(opts.KafkaBrokers, opts.KafkaTopic, deps.Logger)
			sinks = append(sinks, k)
			closers = append(closers, k)
		case "sqs":
			s, err := NewSQSSink(ctx, opts.SQSQueueURL, opts.SQSRegion)
			if err != nil {
				return nil, closeAll, err
			}
			sinks = append(sinks, s)
		case "webhook":
			if opts.WebhookURL == "" {
				return nil, closeAll, fmt.Errorf("activity sink webhook requires a url")
			}
			sinks = append(sinks, NewWebhookSink(opts.WebhookURL, opts.WebhookSecret, nil))
		default:
			return nil, closeAll, fmt.Errorf("unknown activity sink %q", name)
		}
	}
	return sinks, closeAll, nil
}
