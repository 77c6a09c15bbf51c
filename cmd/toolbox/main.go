// Command toolbox deploys DeFi fixture contracts to a development node and
// serves them over HTTP.
package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/Consensys/defi-fuzzing-toolbox/internal/config"
	"github.com/Consensys/defi-fuzzing-toolbox/internal/storage"
	"github.com/Consensys/defi-fuzzing-toolbox/pkg/toolbox"
	"github.com/Consensys/defi-fuzzing-toolbox/pkg/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// runtimeState carries what every subcommand needs once flags are parsed.
type runtimeState struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	s := &runtimeState{}

	root := &cobra.Command{
		Use:           "toolbox",
		Short:         "Deploy DeFi fixture contracts to a development node",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			level, err := cfg.SlogLevel()
			if err != nil {
				return err
			}
			s.cfg = cfg
			// stdout carries command results
			s.logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}
	config.BindFlags(root.PersistentFlags())

	root.AddCommand(
		s.newDeployCommand(),
		s.newPoolCommand(),
		s.newFundWethCommand(),
		s.newAccountsCommand(),
		s.newHistoryCommand(),
		s.newServeCommand(),
	)
	return root
}

// open dials the configured node and builds a toolbox. The returned cleanup
// closes the toolbox and the journal.
func (s *runtimeState) open(ctx context.Context, extra ...toolbox.Option) (*toolbox.Toolbox, func(), error) {
	keys, err := parseKeys(s.cfg.Keys)
	if err != nil {
		return nil, nil, err
	}

	opts := []toolbox.Option{
		toolbox.WithLogger(s.logger),
		toolbox.WithArtifactsDir(s.cfg.ArtifactsDir),
		toolbox.WithPollInterval(s.cfg.PollInterval),
		toolbox.WithReceiptTimeout(s.cfg.ReceiptTimeout),
		toolbox.WithDialTimeout(s.cfg.DialTimeout),
		toolbox.WithReadyTimeout(s.cfg.ReadyTimeout),
		toolbox.WithMaxRetries(s.cfg.MaxRetries),
		toolbox.WithKeys(keys...),
	}
	if s.cfg.DevKeys {
		opts = append(opts, toolbox.WithDevKeys())
	}

	var journal *storage.SQLiteJournal
	if s.cfg.JournalPath != "" {
		journal, err = storage.NewSQLiteJournal(s.cfg.JournalPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open journal: %w", err)
		}
		s.logger.Debug("Opened deployment journal", slog.String("path", s.cfg.JournalPath))
		opts = append(opts, toolbox.WithJournal(journal))
	}
	opts = append(opts, extra...)

	tb, err := toolbox.Dial(ctx, s.cfg.NodeURL, opts...)
	if err != nil {
		if journal != nil {
			journal.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		tb.Close()
		if journal != nil {
			if err := journal.Close(); err != nil {
				s.logger.Warn("Failed to close journal", slog.String("error", err.Error()))
			}
		}
	}
	return tb, cleanup, nil
}

func (s *runtimeState) newDeployCommand() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "deploy <weth|dai|usdc|exchange|factory|router>...",
		Short: "Deploy fixture contracts and their prerequisites",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tb, cleanup, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			infos := make([]types.ContractInfo, 0, len(args))
			for _, name := range args {
				info, err := tb.DeployByName(cmd.Context(), name, from)
				if err != nil {
					return err
				}
				infos = append(infos, info)
			}
			return writeJSON(cmd.OutOrStdout(), infos)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Sender address (default: first account)")
	return cmd
}

func (s *runtimeState) newPoolCommand() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "pool <tokenA> <tokenB>",
		Short: "Create the AMM pool for a token pair",
		Long:  "Tokens are hex addresses or fixture names (weth, dai, usdc). Missing fixtures are deployed first.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tb, cleanup, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			pool, err := tb.CreatePool(cmd.Context(), types.CreatePoolRequest{
				TokenA: args[0],
				TokenB: args[1],
				Sender: from,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), pool)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Sender address (default: first account)")
	return cmd
}

func (s *runtimeState) newFundWethCommand() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "fund-weth <receiver> <amount-wei>",
		Short: "Wrap ether and send the WETH to a receiver",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := new(big.Int).SetString(args[1], 10); !ok {
				return fmt.Errorf("amount must be a decimal integer in wei, got %q", args[1])
			}

			tb, cleanup, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			req := types.GiveWethRequest{Receiver: args[0], Amount: args[1], Sender: from}
			if err := tb.FundWeth(cmd.Context(), req); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), req)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Sender address (default: first account)")
	return cmd
}

func (s *runtimeState) newAccountsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "Show the chain id and the accounts the toolbox can send from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tb, cleanup, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			info, err := tb.ChainInfo(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), info)
		},
	}
}

func (s *runtimeState) newHistoryCommand() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled deployments for the connected chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if s.cfg.JournalPath == "" {
				return fmt.Errorf("history needs a journal (--%s or %sJOURNAL_PATH)", config.FlagJournalPath, config.EnvPrefix)
			}
			tb, cleanup, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			page, err := tb.History(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), page)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Max deployments to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Deployments to skip")
	return cmd
}

// parseKeys decodes hex private keys, with or without a 0x prefix.
func parseKeys(hexKeys []string) ([]*ecdsa.PrivateKey, error) {
	keys := make([]*ecdsa.PrivateKey, 0, len(hexKeys))
	var errs []error
	for i, h := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(h), "0x"))
		if err != nil {
			errs = append(errs, fmt.Errorf("key #%d: %w", i+1, err))
			continue
		}
		keys = append(keys, key)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return keys, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
