package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/couchbase/fastcouch-go/client"
	"github.com/couchbase/fastcouch-go/common/memdconn"
	"github.com/couchbase/fastcouch-go/common/memdproto"
	"github.com/couchbase/fastcouch-go/pkg/webapi"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type opResult struct {
	status memdproto.Status
	value  string
	cas    uint64
}

// runOp submits one operation and blocks for its callback.
func runOp(submit func(cb memdconn.Callback)) opResult {
	resultCh := make(chan opResult, 1)
	submit(func(status memdproto.Status, value string, cas uint64, state interface{}) {
		resultCh <- opResult{status, value, cas}
	})
	return <-resultCh
}

func statusError(op, key string, status memdproto.Status) error {
	if status == memdproto.StatusKeyNotFound {
		return errors.Errorf("%s %q: document not found", op, key)
	}
	return errors.Errorf("%s %q failed: %s", op, key, status)
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Fetch a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		key := args[0]
		res := runOp(func(cb memdconn.Callback) {
			s.client.Get(key, cb, nil)
		})
		if res.status != memdproto.StatusSuccess {
			return statusError("get", key, res.status)
		}

		printf(cmd, "%s\n", res.value)
		s.logger.Debug("fetched document", zap.String("key", key), zap.Uint64("cas", res.cas))
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a document, optionally only if its cas matches",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cas, err := cmd.Flags().GetUint64("cas")
		if err != nil {
			return err
		}

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		key, value := args[0], []byte(args[1])
		res := runOp(func(cb memdconn.Callback) {
			if cas != 0 {
				s.client.CheckAndSet(key, value, cas, cb, nil)
				return
			}
			s.client.Set(key, value, cb, nil)
		})
		if res.status != memdproto.StatusSuccess {
			return statusError("set", key, res.status)
		}

		printf(cmd, "cas: %d\n", res.cas)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		key := args[0]
		res := runOp(func(cb memdconn.Callback) {
			s.client.Delete(key, cb, nil)
		})
		if res.status != memdproto.StatusSuccess {
			return statusError("delete", key, res.status)
		}

		printf(cmd, "deleted %s\n", key)
		return nil
	},
}

var viewCmd = &cobra.Command{
	Use:   "view <design-doc> <view>",
	Short: "Query a view and print its rows",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyStr, _ := cmd.Flags().GetString("key")
		limit, _ := cmd.Flags().GetInt("limit")
		stale, _ := cmd.Flags().GetString("stale")

		opts := &client.ViewQueryOptions{
			Limit: limit,
			Stale: client.ViewStale(stale),
		}
		if keyStr != "" {
			if !json.Valid([]byte(keyStr)) {
				return errors.Errorf("--key must be valid JSON, got %s", keyStr)
			}
			opts.Key = json.RawMessage(keyStr)
		}

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 75*time.Second)
		defer cancel()

		result, err := s.client.ViewQuery(ctx, args[0], args[1], opts)
		if err != nil {
			return err
		}

		for _, row := range result.Rows {
			printf(cmd, "%s\t%s\t%s\n", row.ID, row.Key, row.Value)
		}
		printf(cmd, "%d of %d rows\n", len(result.Rows), result.TotalRows)
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Send a no-op to every data server of the bucket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.topologyTimeout)
		defer cancel()

		results, err := s.client.Ping(ctx)

		failed := 0
		for _, server := range describeTopology(s.client.Topology()) {
			status, ok := results[server]
			if !ok {
				printf(cmd, "%s\tno response\n", server)
				failed++
				continue
			}
			printf(cmd, "%s\t%s\n", server, status)
			if status != memdproto.StatusSuccess {
				failed++
			}
		}

		if err != nil {
			return err
		}
		if failed > 0 {
			return errors.Errorf("%d servers did not answer the ping", failed)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the bucket topology and serve metrics and health until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		webListenAddress := fmt.Sprintf("%s:%v", s.config.bindAddress, s.config.webPort)
		webapi.InitializeWebServer(webapi.WebServerOptions{
			Logger:        s.logger.Named("webapi"),
			LogLevel:      &s.logLevel,
			ListenAddress: webListenAddress,
			Client:        s.client,
		})

		reload := newConfigReloader(s)
		watchConfigFile(s, reload)

		shutdownCh := make(chan struct{})
		var shutdownOnce sync.Once
		stopCh := make(chan struct{})
		defer close(stopCh)

		go watchForSignals(s.logger, func() {
			shutdownOnce.Do(func() {
				close(shutdownCh)
			})
		}, reload, stopCh)

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		lastTopology := s.client.Topology()
		s.logger.Info("watching topology",
			zap.Uint64("revision", lastTopology.Revision),
			zap.Strings("servers", describeTopology(lastTopology)),
			zap.String("webapi", webListenAddress))

		for {
			select {
			case <-shutdownCh:
				s.logger.Info("watch stopped")
				return nil
			case <-ticker.C:
			}

			topology := s.client.Topology()
			if topology != lastTopology {
				s.logger.Info("topology updated",
					zap.Uint64("revEpoch", topology.RevEpoch),
					zap.Uint64("revision", topology.Revision),
					zap.Strings("servers", describeTopology(topology)),
					zap.Bool("rebalancing", topology.HasForwardMap()))
				lastTopology = topology
			}

			for _, state := range s.client.ServerStates() {
				if !state.Connected {
					s.logger.Debug("server not connected",
						zap.String("server", state.ID),
						zap.Bool("reconnecting", state.Reconnecting))
				}
			}
		}
	},
}

func init() {
	setCmd.Flags().Uint64("cas", 0, "only store if the document still has this cas")
}
