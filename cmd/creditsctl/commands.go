package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmeshcher/studymate/internal/ledger"
	"github.com/mmeshcher/studymate/internal/model"
	"github.com/mmeshcher/studymate/internal/purchase"
	"github.com/mmeshcher/studymate/internal/repository"
	"github.com/mmeshcher/studymate/internal/validation"
)

var errIdentityFlags = errors.New("exactly one of --user or --device is required")

type options struct {
	DatabaseURI string `env:"DATABASE_URI"`
	LocalDBPath string `env:"LOCAL_DB_PATH" envDefault:"data/studymate.db"`

	user    string
	device  string
	verbose bool
}

// identity собирает идентичность из флагов --user и --device.
func (o *options) identity() (model.Identity, error) {
	switch {
	case o.user != "" && o.device != "":
		return model.Identity{}, errIdentityFlags
	case o.user != "":
		return model.Authenticated(o.user), nil
	case o.device != "":
		if err := validation.ValidateDeviceID(o.device); err != nil {
			return model.Identity{}, err
		}
		return model.Anonymous(o.device), nil
	default:
		return model.Identity{}, errIdentityFlags
	}
}

type engine struct {
	ledger  *ledger.Ledger
	logger  *zap.Logger
	closers []func() error
}

// open открывает хранилища и собирает движок. Удалённое хранилище подключается только при заданном --database-uri.
func (o *options) open() (*engine, error) {
	logger := zap.NewNop()
	if o.verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
		logger = l
	}

	e := &engine{logger: logger}

	local, err := repository.NewSQLiteStore(o.LocalDBPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	e.closers = append(e.closers, local.Close)

	cfg := ledger.Config{Local: local, Cache: local, Logger: logger}
	if o.DatabaseURI != "" {
		remote, err := repository.NewPostgresRepository(o.DatabaseURI)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("open remote store: %w", err)
		}
		e.closers = append(e.closers, remote.Close)
		cfg.Remote = remote
	}

	e.ledger = ledger.New(cfg)
	return e, nil
}

func (e *engine) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
	_ = e.logger.Sync()
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	envErr := env.Parse(opts)

	root := &cobra.Command{
		Use:           "creditsctl",
		Short:         "Inspect and adjust studymate credit accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return fmt.Errorf("parse env: %w", envErr)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.DatabaseURI, "database-uri", opts.DatabaseURI, "remote database URI (env DATABASE_URI)")
	root.PersistentFlags().StringVar(&opts.LocalDBPath, "local-db", opts.LocalDBPath, "local device profile database (env LOCAL_DB_PATH)")
	root.PersistentFlags().StringVar(&opts.user, "user", "", "authenticated user id")
	root.PersistentFlags().StringVar(&opts.device, "device", "", "anonymous device profile id")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log ledger activity to stderr")

	root.AddCommand(
		newBalanceCmd(opts),
		newGrantCmd(opts),
		newSweepCmd(opts),
		newReconcileCmd(opts),
	)

	return root
}

func newBalanceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the available credits of an identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := opts.identity()
			if err != nil {
				return err
			}

			e, err := opts.open()
			if err != nil {
				return err
			}
			defer e.close()

			balance, err := e.ledger.Balance(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), balance)
		},
	}
}

func newGrantCmd(opts *options) *cobra.Command {
	var (
		amount    int64
		expiresIn time.Duration
	)

	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Add credits to an identity",
		Long: `Add credits to an identity. Without --expires-in the credits go to the permanent pool;
with it a separate expiring grant is created (remote accounts only).`,
		Example: `  creditsctl grant --device 0b5f2c3e-8d1a-4f5e-9a7b-2c4d6e8f0a1b --amount 5
  creditsctl grant --user 42 --amount 300 --expires-in 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := opts.identity()
			if err != nil {
				return err
			}
			if err := validation.ValidateAmount(amount); err != nil {
				return err
			}

			kind := model.CreditPermanent
			var expiresAt time.Time
			if expiresIn != 0 {
				kind = model.CreditExpiring
				expiresAt = time.Now().UTC().Add(expiresIn)
			}

			e, err := opts.open()
			if err != nil {
				return err
			}
			defer e.close()

			balance, err := e.ledger.AddCredits(cmd.Context(), id, amount, kind, expiresAt)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), balance)
		},
	}

	cmd.Flags().Int64Var(&amount, "amount", 0, "number of credits to add")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "lifetime of an expiring grant")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

type sweepResult struct {
	Removed int `json:"removed"`
}

func newSweepCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired grants of one identity, or of every remote account when no identity is given",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open()
			if err != nil {
				return err
			}
			defer e.close()

			var n int
			if opts.user == "" && opts.device == "" {
				n, err = e.ledger.SweepAll(cmd.Context())
			} else {
				id, idErr := opts.identity()
				if idErr != nil {
					return idErr
				}
				n, err = e.ledger.SweepExpiredGrants(cmd.Context(), id)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sweepResult{Removed: n})
		},
	}
}

func newReconcileCmd(opts *options) *cobra.Command {
	var (
		transactionID string
		productID     string
		status        string
		price         string
		currency      string
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Credit a provider transaction that the app failed to report",
		Example: `  creditsctl reconcile --user 42 --transaction GPA.1234-5678 --product credits_50
  creditsctl reconcile --device 0b5f2c3e-8d1a-4f5e-9a7b-2c4d6e8f0a1b --transaction tx-1 --product credits_10 --status purchased`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := opts.identity()
			if err != nil {
				return err
			}
			if err := validation.ValidateTransactionID(transactionID); err != nil {
				return err
			}
			if err := validation.ValidateProductID(productID); err != nil {
				return err
			}

			ev := purchase.Event{
				TransactionID: transactionID,
				ProductID:     productID,
				Status:        purchase.Status(status),
				Currency:      currency,
			}
			if price != "" {
				ev.Price, err = decimal.NewFromString(price)
				if err != nil {
					return fmt.Errorf("parse price: %w", err)
				}
			}

			e, err := opts.open()
			if err != nil {
				return err
			}
			defer e.close()

			bridge := purchase.NewBridge(e.ledger, purchase.DefaultCatalog(), e.logger)
			out, err := bridge.Handle(cmd.Context(), id, ev)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&transactionID, "transaction", "", "provider transaction id")
	cmd.Flags().StringVar(&productID, "product", "", "catalog product id")
	cmd.Flags().StringVar(&status, "status", string(purchase.StatusRestored), "event status: purchased, restored or cancelled")
	cmd.Flags().StringVar(&price, "price", "", "price paid, for the audit record")
	cmd.Flags().StringVar(&currency, "currency", "", "currency of the price")
	_ = cmd.MarkFlagRequired("transaction")
	_ = cmd.MarkFlagRequired("product")

	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
