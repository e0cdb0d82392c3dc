package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/synaptica-ai/intake/pkg/common/kafka"
	"github.com/synaptica-ai/intake/pkg/common/logger"
	"github.com/synaptica-ai/intake/pkg/deadletter"
)

type replayOptions struct {
	From  string
	Limit int
	For   time.Duration
}

func newReplayCommand() *cobra.Command {
	opts := &replayOptions{}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-run dead-lettered deliveries",
		Long: `Re-run dead-lettered deliveries through the pipeline without re-authenticating.

Entries that succeed are marked replayed; entries that fail again are marked failed.

Examples:
  intake-service replay --from db --limit 50
  intake-service replay --from kafka --for 2m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "db", "dead-letter source (db|kafka)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum entries to replay from the database")
	cmd.Flags().DurationVar(&opts.For, "for", time.Minute, "how long to consume the kafka topic")
	return cmd
}

func runReplay(cmd *cobra.Command, opts *replayOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.migrate(); err != nil {
		return err
	}

	replayer := deadletter.NewReplayer(a.deadLetters, a.service.ReplayProcessor(a.sources), a.redactor)

	switch opts.From {
	case "db":
		sum, err := replayer.DrainStore(ctx, opts.Limit)
		if err != nil {
			return err
		}
		logger.Log.WithFields(logrus.Fields{"replayed": sum.Replayed, "failed": sum.Failed}).Info("dead-letter replay finished")
		out, _ := json.Marshal(sum)
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	case "kafka":
		consumer := kafka.NewConsumer(a.cfg.KafkaBrokers, a.cfg.DeadLetterTopic, a.cfg.KafkaGroupID+"-replay")
		defer consumer.Close()

		runCtx, cancel := context.WithTimeout(ctx, opts.For)
		defer cancel()
		err := consumer.Consume(runCtx, replayer.HandleEvent)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Log.Info("dead-letter topic replay finished")
		return nil
	default:
		return fmt.Errorf("invalid --from %q: must be db or kafka", opts.From)
	}
}
