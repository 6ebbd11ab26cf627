// Command relayer is the single binary described in spec.md section 6: one
// process, a config path and verbosity flag, exit 0 on clean shutdown and
// non-zero on fatal init error.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/certen/chain-relayer/internal/config"
	"github.com/certen/chain-relayer/internal/evmchain"
	"github.com/certen/chain-relayer/internal/hasher"
	"github.com/certen/chain-relayer/internal/leafhandler"
	"github.com/certen/chain-relayer/internal/metrics"
	"github.com/certen/chain-relayer/internal/store"
	"github.com/certen/chain-relayer/internal/supervisor"
	"github.com/certen/chain-relayer/internal/txqueue"
	relayertypes "github.com/certen/chain-relayer/internal/types"
	"github.com/certen/chain-relayer/internal/watcher"
)

var (
	configPath string
	verbosity  string
	metricsAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "relayer",
		Short: "Multi-chain shielded-pool event relayer",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "config.yaml", "path to the relayer configuration file")
	root.Flags().StringVar(&verbosity, "verbosity", "", "log verbosity override (trace|debug|info|warn|error)")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	root.AddCommand(newDeadLettersCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	level := cfg.Verbosity
	if verbosity != "" {
		level = verbosity
	}
	zlevel, err := zerolog.ParseLevel(level)
	if err != nil {
		zlevel = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.NewConsoleWriter()).Level(zlevel).With().Timestamp().Logger()

	st, err := store.NewCometBFTStore("relayer", dbm.GoLevelDBBackend, cfg.StorePath)
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	mx := metrics.New(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := supervisor.New(st, log)

	if err := wireEvm(ctx, cfg, st, sup, mx, log); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	httpSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server exited")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received")
	sup.Shutdown()
	cancel()
	_ = httpSrv.Close()

	return sup.Wait()
}

// wireEvm constructs one watcher per enabled EVM contract and one queue per
// enabled EVM chain, per spec.md 4.4.
func wireEvm(ctx context.Context, cfg *config.Config, st store.Store, sup *supervisor.Supervisor, mx *metrics.Metrics, log zerolog.Logger) error {
	for chainName, evm := range cfg.Evm {
		if !evm.Enabled {
			continue
		}
		client, err := evmchain.Dial(ctx, evm.HTTPEndpoint, evm.ChainID)
		if err != nil {
			return fmt.Errorf("dial evm chain %s: %w", chainName, err)
		}

		for _, contract := range evm.Contracts {
			addrBytes := common.HexToAddress(contract.Common.Address)
			var target [20]byte
			copy(target[:], addrBytes.Bytes())
			rid := relayertypes.NewResourceId(
				relayertypes.NewContractTargetSystem(target),
				relayertypes.Evm(evm.ChainID),
			)

			// Only vanchor carries a concrete leaf handler in this core, per
			// SPEC_FULL.md 7.1: tornado/anchor_over_dkg/governance_bravo_delegate
			// contracts get a no-op handler that acknowledges every event.
			// Their logs are still decoded against the VAnchor ABI by the
			// watcher client; logs that do not decode are skipped before
			// dispatch.
			var handlers []watcher.Handler
			switch contract.Kind {
			case config.ContractVAnchor:
				h := hasher.NewMiMCHasher(make([]byte, 32))
				handler, err := leafhandler.New(rid, st, h, client, log)
				if err != nil {
					return fmt.Errorf("construct handler for %s: %w", rid, err)
				}
				handler.WithMetrics(mx)
				handlers = []watcher.Handler{handler}
			default:
				log.Warn().
					Str("resource_id", rid.String()).
					Str("kind", string(contract.Kind)).
					Msg("no concrete leaf handler for this contract kind, wiring a no-op acknowledger")
				handlers = []watcher.Handler{noopContractHandler{rid: rid, kind: contract.Kind, log: log}}
			}

			watcherClient := evmchain.NewWatcherClient(client, addrBytes)
			w := watcher.New(rid, watcherClient, handlers, st, watcher.Config{
				DeployedAtBlock: contract.Common.DeployedAt,
				Confirmations:   contract.Common.EventsWatcher.Confirmations,
				MaxRange:        contract.Common.EventsWatcher.MaxBlockRange,
				PollInterval:    contract.Common.EventsWatcher.PollingInterval,
			}, log).WithMetrics(mx)

			sup.Spawn(ctx, "watcher:"+rid.String(), w)
		}

		queueCfg := txqueue.Config{
			MaxAttempts:      evm.TxQueue.MaxAttempts,
			RequeueDelay:     evm.TxQueue.RequeueDelay,
			PollInterval:     evm.TxQueue.PollInterval,
			DeadLetterPolicy: txqueue.DeadLetterMode(evm.TxQueue.DeadLetterMode),
		}
		var submitter txqueue.Submitter = noopSubmitter{}
		if evm.SignerPrivateKey != "" && len(evm.Contracts) > 0 {
			destination := common.HexToAddress(evm.Contracts[0].Common.Address)
			s, err := evmchain.NewSubmitter(client, destination, evm.SignerPrivateKey, evm.SignerGasLimit)
			if err != nil {
				return fmt.Errorf("construct submitter for %s: %w", chainName, err)
			}
			submitter = s
		}

		queueKey := relayertypes.QueueKey{ChainTag: "evm-" + strconv.FormatUint(uint64(evm.ChainID), 10)}
		q := txqueue.New(queueKey, st, submitter, queueCfg, log).WithMetrics(mx)
		sup.Spawn(ctx, "queue:"+queueKey.String(), q)
	}
	return nil
}

// noopSubmitter is a placeholder Submitter until a concrete per-chain
// transaction signer is wired in; it always reports a transient failure so
// payloads are retried rather than silently dropped.
type noopSubmitter struct{}

func (noopSubmitter) Submit(ctx context.Context, payload relayertypes.QueuedTxPayload) (txqueue.SubmitStatus, error) {
	return txqueue.SubmitTransientFailure, fmt.Errorf("no submitter configured for this queue")
}

// noopContractHandler acknowledges every event for a contract kind that has
// no concrete leaf handler in this core (tornado, anchor_over_dkg,
// governance_bravo_delegate), per SPEC_FULL.md 7.1: a deliberate scope
// boundary, not a silent drop, so these contracts' watchers still advance
// their cursor and log what they saw instead of erroring on every event.
type noopContractHandler struct {
	rid  relayertypes.ResourceId
	kind config.ContractKind
	log  zerolog.Logger
}

func (noopContractHandler) CanHandle(event any) bool { return true }

func (h noopContractHandler) Handle(ctx context.Context, event any) error {
	h.log.Info().
		Str("resource_id", h.rid.String()).
		Str("contract_kind", string(h.kind)).
		Msg("event acknowledged by no-op handler (no concrete leaf handler for this contract kind)")
	return nil
}
