package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/CedrosPay/holdledger/internal/solana"
)

var flagMain struct {
	Server  string
	Keypair string
	Timeout time.Duration
}

var cmdMain = &cobra.Command{
	Use:           "holdctl",
	Short:         "Operate a holdledger instance",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func defaultKeypairPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "id.json"
	}
	return filepath.Join(home, ".config", "solana", "id.json")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func init() {
	cmdMain.PersistentFlags().StringVarP(&flagMain.Server, "server", "s", envOr("HOLDCTL_SERVER", "http://localhost:8080"), "Ledger base URL, including any route prefix")
	cmdMain.PersistentFlags().StringVarP(&flagMain.Keypair, "keypair", "k", envOr("HOLDCTL_KEYPAIR", defaultKeypairPath()), "Signer keypair file (solana-keygen format)")
	cmdMain.PersistentFlags().DurationVar(&flagMain.Timeout, "timeout", 30*time.Second, "Request timeout")

	cmdMain.AddCommand(
		cmdWhoami,
		cmdToken,
		cmdSupply,
		cmdBalance,
		cmdIntents,
		cmdPreview,
		cmdRegister,
		cmdMint,
		cmdTransfer,
		cmdBurn,
		cmdPending,
		cmdSettle,
	)
}

func main() {
	if err := cmdMain.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newCmdClient() *client {
	return newClient(flagMain.Server, flagMain.Timeout, func() (solanago.PrivateKey, error) {
		return solana.LoadKeypair(flagMain.Keypair)
	})
}

// call runs req and pretty-prints the JSON response.
func call(cmd *cobra.Command, req request) error {
	raw, err := newCmdClient().do(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printJSON(cmd, raw)
}

func printJSON(cmd *cobra.Command, raw []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), out.String())
	return nil
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": []string{strconv.Itoa(limit)}}
}

var cmdWhoami = &cobra.Command{
	Use:   "whoami",
	Short: "Print the public key of the signing keypair",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := solana.LoadKeypair(flagMain.Keypair)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key.PublicKey().String())
		return nil
	},
}

var cmdToken = &cobra.Command{
	Use:   "token",
	Short: "Show token metadata, owner and mint policy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd, request{method: http.MethodGet, path: "/v1/token"})
	},
}

var cmdSupply = &cobra.Command{
	Use:   "supply",
	Short: "Show total token supply",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd, request{method: http.MethodGet, path: "/v1/supply"})
	},
}

var cmdBalance = &cobra.Command{
	Use:   "balance <account>",
	Short: "Show an account's token balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, request{method: http.MethodGet, path: "/v1/accounts/" + url.PathEscape(args[0]) + "/balance"})
	},
}

var cmdIntents = &cobra.Command{
	Use:   "intents <account>",
	Short: "List an account's pledges, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, request{method: http.MethodGet, path: "/v1/accounts/" + url.PathEscape(args[0]) + "/intents"})
	},
}

var cmdPreview = &cobra.Command{
	Use:   "preview <account>",
	Short: "Show what settling an account would burn and capture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, request{method: http.MethodGet, path: "/v1/accounts/" + url.PathEscape(args[0]) + "/preview"})
	},
}

var cmdRegister = &cobra.Command{
	Use:   "register <account>",
	Short: "Register an account so it can receive transfers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, request{method: http.MethodPost, path: "/v1/accounts/" + url.PathEscape(args[0]) + "/register"})
	},
}

var flagMint struct {
	IdempotencyKey string
}

var cmdMint = &cobra.Command{
	Use:   "mint <account> <intent-id> <amount>",
	Short: "Mint tokens against a card hold (owner only)",
	Long:  "Mint tokens against a card hold (owner only). Amounts without a decimal point are atomic units.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCmdClient()
		amount, err := c.parseAmount(cmd.Context(), args[2])
		if err != nil {
			return err
		}
		raw, err := c.do(cmd.Context(), request{
			method:         http.MethodPost,
			path:           "/v1/mint",
			body:           map[string]any{"account": args[0], "intent_id": args[1], "amount": amount},
			signed:         true,
			idempotencyKey: flagMint.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, raw)
	},
}

var flagTransfer struct {
	IdempotencyKey string
}

var cmdTransfer = &cobra.Command{
	Use:   "transfer <to> <amount>",
	Short: "Transfer tokens from the signing keypair's account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCmdClient()
		amount, err := c.parseAmount(cmd.Context(), args[1])
		if err != nil {
			return err
		}
		key := flagTransfer.IdempotencyKey
		if key == "" {
			key = uuid.NewString()
		}
		raw, err := c.do(cmd.Context(), request{
			method:         http.MethodPost,
			path:           "/v1/transfer",
			body:           map[string]any{"to": args[0], "amount": amount},
			signed:         true,
			idempotencyKey: key,
		})
		if err != nil {
			return fmt.Errorf("%w (retry with --idempotency-key %s)", err, key)
		}
		return printJSON(cmd, raw)
	},
}

var cmdBurn = &cobra.Command{
	Use:   "burn",
	Short: "Inspect or toggle the burn window",
}

var cmdBurnStatus = &cobra.Command{
	Use:   "status",
	Short: "Show whether the burn window is open",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd, request{method: http.MethodGet, path: "/v1/burn"})
	},
}

var cmdBurnStart = &cobra.Command{
	Use:   "start",
	Short: "Open the burn window (owner only)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd, request{method: http.MethodPost, path: "/v1/burn/start", signed: true})
	},
}

var cmdBurnComplete = &cobra.Command{
	Use:   "complete",
	Short: "Close the burn window (owner only)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd, request{method: http.MethodPost, path: "/v1/burn/complete", signed: true})
	},
}

var flagPending struct {
	Limit int
}

var cmdPending = &cobra.Command{
	Use:   "pending",
	Short: "List accounts holding unsettled pledges",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd, request{method: http.MethodGet, path: "/v1/pending", query: limitQuery(flagPending.Limit)})
	},
}

var flagSettle struct {
	Limit          int
	IdempotencyKey string
}

var cmdSettle = &cobra.Command{
	Use:   "settle [account]",
	Short: "Capture and burn one account, or the next batch of pending accounts (owner only)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := request{method: http.MethodPost, path: "/v1/settle", signed: true, idempotencyKey: flagSettle.IdempotencyKey}
		if len(args) == 1 {
			req.path += "/" + url.PathEscape(args[0])
		} else {
			req.query = limitQuery(flagSettle.Limit)
		}
		return call(cmd, req)
	},
}

func init() {
	cmdBurn.AddCommand(cmdBurnStatus, cmdBurnStart, cmdBurnComplete)

	cmdMint.Flags().StringVar(&flagMint.IdempotencyKey, "idempotency-key", "", "Replay-safe key for retries")
	cmdTransfer.Flags().StringVar(&flagTransfer.IdempotencyKey, "idempotency-key", "", "Replay-safe key for retries (generated when empty)")
	cmdPending.Flags().IntVar(&flagPending.Limit, "limit", 0, "Maximum accounts to list (server default when 0)")
	cmdSettle.Flags().IntVar(&flagSettle.Limit, "limit", 0, "Accounts per batch (server default when 0)")
	cmdSettle.Flags().StringVar(&flagSettle.IdempotencyKey, "idempotency-key", "", "Replay-safe key for retries")
}
