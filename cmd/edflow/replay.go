package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-edflow/internal/board"
	"github.com/drfirst/go-edflow/internal/ingest"
	"github.com/drfirst/go-edflow/internal/infrastructure/redpanda"
	"github.com/drfirst/go-edflow/internal/snapshot"
	"github.com/drfirst/go-edflow/pkg/workerpool"
)

// tapeEntry is one line of a replay tape
type tapeEntry struct {
	Topic   string            `json:"topic"`
	Key     string            `json:"key"`
	Value   json.RawMessage   `json:"value"`
	Headers map[string]string `json:"headers,omitempty"`
}

// rejected collects messages the handler parks during a replay
type rejected struct {
	mu   sync.Mutex
	msgs []string
}

func (r *rejected) DeadLetter(_ context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, fmt.Sprintf("line %d (%s): %v", msg.Offset+1, msg.Topic, cause))
	return nil
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <tape.ndjson>",
		Short: "Apply a recorded message tape to a board and print its overview",
		Long: "Each tape line is a JSON object {\"topic\", \"key\", \"value\"} as it would " +
			"appear on the bus. The board starts empty unless --persist is given.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			persist, _ := cmd.Flags().GetBool("persist")
			atFlag, _ := cmd.Flags().GetString("at")
			batch, _ := cmd.Flags().GetInt("batch")

			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			at := time.Now().UTC()
			if atFlag != "" {
				if at, err = time.Parse(time.RFC3339, atFlag); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			ctx := cmd.Context()
			var cache snapshot.Cache = snapshot.NewMemory()
			if persist {
				c, _, closeCache, err := openCache(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer closeCache()
				cache = c
			}

			b, err := newBoard(ctx, cfg, cache, nil, logger, nil)
			if err != nil {
				return err
			}

			parked := &rejected{}
			poolCfg := workerpool.DefaultConfig()
			poolCfg.Workers = cfg.IngestWorkers
			dispatcher, err := ingest.NewDispatcher(ingest.NewHandler(b, parked, logger, nil), poolCfg, logger)
			if err != nil {
				return err
			}

			n, err := replay(ctx, f, dispatcher, batch)
			if cerr := dispatcher.Close(); err == nil {
				err = cerr
			}
			if cerr := b.Close(ctx); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}

			logger.Info("replay finished",
				zap.Int("messages", n),
				zap.Int("rejected", len(parked.msgs)))
			for _, msg := range parked.msgs {
				fmt.Fprintln(cmd.ErrOrStderr(), "rejected", msg)
			}
			return writeOverview(cmd.OutOrStdout(), b, at)
		},
	}
	cmd.Flags().Bool("persist", false, "Load from and save to the configured cache backend")
	cmd.Flags().String("at", "", "Evaluate monitoring status at this RFC 3339 time (default now)")
	cmd.Flags().Int("batch", 256, "Messages dispatched per batch")
	return cmd
}

// replay streams tape lines through d in batches and returns how many were
// read. Line numbers are carried as offsets so rejections can be traced.
func replay(ctx context.Context, r io.Reader, d *ingest.Dispatcher, batch int) (int, error) {
	if batch <= 0 {
		batch = 256
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		pending []*redpanda.ConsumedMessage
		line    int64
		read    int
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		err := d.Dispatch(ctx, pending)
		pending = pending[:0]
		return err
	}

	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}

		var entry tapeEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return read, fmt.Errorf("tape line %d: %w", line, err)
		}
		pending = append(pending, &redpanda.ConsumedMessage{
			Topic:   entry.Topic,
			Offset:  line - 1,
			Key:     []byte(entry.Key),
			Value:   entry.Value,
			Headers: entry.Headers,
		})
		read++

		if len(pending) >= batch {
			if err := flush(); err != nil {
				return read, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return read, fmt.Errorf("read tape: %w", err)
	}
	return read, flush()
}

func writeOverview(w io.Writer, b *board.Board, at time.Time) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(b.Overview(at))
}
