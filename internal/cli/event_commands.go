package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"throttle-service/internal/client"
	"throttle-service/internal/events"
	"throttle-service/internal/hashing"
	"throttle-service/internal/util"
)

func newTailCommand(rt *runtimeState) *cobra.Command {
	var (
		groupID string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow throttle events from Kafka",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := rt.Config()
			util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

			consumer, err := client.NewKafkaConsumer(cfg, groupID, util.Get())
			if err != nil {
				return err
			}
			defer consumer.Close()

			w := rt.Writer()
			for seen := 0; limit <= 0 || seen < limit; seen++ {
				msg, err := consumer.ConsumeMessage(cmd.Context())
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				e, err := events.Decode(msg.Value)
				if err != nil {
					util.Warn("Skipping undecodable message", util.ErrorField(err))
					continue
				}
				fmt.Fprintln(w, formatEvent(e))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "throttlectl", "Kafka consumer group")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many events (0 = follow)")
	return cmd
}

func newHistoryCommand(rt *runtimeState) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <scope> [identity]",
		Short: "Search past throttle events in Elasticsearch",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rt.Config()
			util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

			es, err := client.NewElasticsearchClient(cfg, util.Get())
			if err != nil {
				return err
			}
			defer es.Close()

			var identities []string
			if len(args) == 2 {
				pseudonymizer, err := hashing.FromConfig(cfg.Events)
				if err != nil {
					return err
				}
				if pseudonymizer != nil {
					identities = pseudonymizer.Candidates(args[1])
				} else {
					identities = []string{args[1]}
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			var res events.SearchResult
			if err := es.SearchJSON(ctx, cfg.Elasticsearch.Index, events.HistoryQuery(args[0], identities, limit), &res); err != nil {
				return err
			}

			evs := res.Events()
			return writeObject(rt.Writer(), rt.output, evs, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "TIME\tTYPE\tSCOPE\tIDENTITY\tLEVEL\tRETRY AFTER")
				for _, e := range evs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%ds\n", e.OccurredAt.Format(time.RFC3339),
						e.Type, e.Scope, e.Identity, e.Level, e.RetryAfterSeconds)
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of events")
	return cmd
}

func formatEvent(e events.Event) string {
	return fmt.Sprintf("%s %-18s scope=%s identity=%s level=%d retry_after=%ds",
		e.OccurredAt.Format(time.RFC3339), e.Type, e.Scope, e.Identity, e.Level, e.RetryAfterSeconds)
}
