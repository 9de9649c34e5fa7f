package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"loanledger/gateway/middleware"
	"loanledger/native/lending"
)

const defaultDecimals = 18

type loanView struct {
	ID                 uint64     `json:"id"`
	Borrower           string     `json:"borrower"`
	Lender             string     `json:"lender"`
	Principal          string     `json:"principal"`
	InterestRateBps    uint64     `json:"interest_rate_bps"`
	Duration           uint64     `json:"duration"`
	CollateralAsset    string     `json:"collateral_asset"`
	CollateralAmount   string     `json:"collateral_amount"`
	RepaymentAmount    string     `json:"repayment_amount"`
	RemainingRepayment string     `json:"remaining_repayment"`
	StartTime          uint64     `json:"start_time"`
	State              string     `json:"state"`
	Expiry             uint64     `json:"expiry"`
	Liquidation        *quoteView `json:"liquidation"`
	ValuationError     string     `json:"valuation_error"`
}

type quoteView struct {
	CollateralValue string `json:"collateral_value"`
	Debt            string `json:"debt"`
	RatioBps        string `json:"ratio_bps"`
	Liquidatable    bool   `json:"liquidatable"`
	Seized          string `json:"seized"`
	Surplus         string `json:"surplus"`
}

type statsView struct {
	Total      uint64 `json:"total"`
	Active     uint64 `json:"active"`
	Repaid     uint64 `json:"repaid"`
	Defaulted  uint64 `json:"defaulted"`
	Cancelled  uint64 `json:"cancelled"`
	Liquidated uint64 `json:"liquidated"`
	LoanCount  uint64 `json:"loan_count"`
}

type eventView struct {
	Seq        uint64            `json:"seq"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  int64             `json:"created_at"`
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "token":
		err = runToken(args, os.Stdout)
	case "init-policy":
		err = runInitPolicy(args, os.Stdout)
	case "loan":
		err = runLoan(args, os.Stdout)
	case "loans":
		err = runLoans(args, os.Stdout)
	case "stats":
		err = runStats(args, os.Stdout)
	case "events":
		err = runEvents(args, os.Stdout)
	case "request":
		err = runRequest(args, os.Stdout)
	case "approve":
		err = runApprove(args, os.Stdout)
	case "fund", "repay", "liquidate":
		err = runTransition(os.Args[1], true, args, os.Stdout)
	case "cancel", "default":
		err = runTransition(os.Args[1], false, args, os.Stdout)
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `Usage: lendctl <command> [flags]

Commands:
  token        issue a bearer token signed with the daemon's HMAC secret
  init-policy  write a bootstrap policy file with the default risk policy
  loan         show a loan and its liquidation quote
  loans        list loan ids for an account
  stats        show ledger counters
  events       page through archived ledger events
  request      open a loan request as the caller
  approve      allow the custody account to pull a token from the caller
  fund|repay|liquidate <id> -payment <amount>
  cancel|default <id>

Environment: LENDCTL_ENDPOINT, LENDCTL_TOKEN, LENDCTL_CALLER`)
}

// connFlags are shared by every command that talks to the daemon.
type connFlags struct {
	endpoint string
	token    string
	caller   string
	key      string
	decimals int
	timeout  time.Duration
}

func (c *connFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.endpoint, "endpoint", envOr(envEndpoint, defaultEndpoint), "lendingd base URL")
	fs.StringVar(&c.token, "token", os.Getenv(envToken), "bearer token")
	fs.StringVar(&c.caller, "caller", os.Getenv(envCaller), "caller address when auth is disabled")
	fs.StringVar(&c.key, "idempotency-key", "", "reuse this key to retry a write safely")
	fs.IntVar(&c.decimals, "decimals", defaultDecimals, "decimals used to display and parse amounts")
	fs.DurationVar(&c.timeout, "timeout", 15*time.Second, "request timeout")
}

func (c *connFlags) client() *client {
	cl := newClient(c.endpoint, c.token, c.caller)
	cl.idempotencyKey = strings.TrimSpace(c.key)
	cl.http.Timeout = c.timeout
	return cl
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", "", "HMAC secret")
	secretEnv := fs.String("secret-env", "LENDINGD_HMAC_SECRET", "environment variable holding the secret")
	subject := fs.String("subject", "", "caller address placed in the sub claim")
	admin := fs.Bool("admin", false, "grant the admin scope")
	issuer := fs.String("issuer", "", "iss claim")
	audience := fs.String("audience", "", "aud claim")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key := *secret
	if key == "" && *secretEnv != "" {
		key = os.Getenv(*secretEnv)
	}
	if !common.IsHexAddress(*subject) {
		return fmt.Errorf("subject must be a hex address")
	}
	var scopes []string
	if *admin {
		scopes = append(scopes, middleware.ScopeAdmin)
	}
	token, err := middleware.IssueToken(key, common.HexToAddress(*subject), scopes, *issuer, *audience, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func runInitPolicy(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("init-policy", flag.ContinueOnError)
	path := fs.String("out", "policy.toml", "output path")
	owner := fs.String("owner", "", "ledger owner address")
	feeTo := fs.String("fee-recipient", "", "fee recipient address (defaults to owner)")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*force {
		if _, err := os.Stat(*path); err == nil {
			return fmt.Errorf("%s already exists (use -force to overwrite)", *path)
		}
	}
	cfg := lending.DefaultConfig()
	cfg.Owner = *owner
	cfg.FeeRecipient = *feeTo
	if cfg.FeeRecipient == "" {
		cfg.FeeRecipient = cfg.Owner
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := lending.WriteConfig(*path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", *path)
	return nil
}

func runLoan(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("loan", flag.ContinueOnError)
	var conn connFlags
	conn.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := loanArg(fs)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), conn.timeout)
	defer cancel()
	var loan loanView
	if err := conn.client().get(ctx, "/v1/loans/"+id, &loan); err != nil {
		return err
	}
	return printLoan(out, loan, int32(conn.decimals))
}

func runLoans(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("loans", flag.ContinueOnError)
	var conn connFlags
	conn.register(fs)
	role := fs.String("role", "borrower", "borrower or lender")
	active := fs.Bool("active", false, "only loans still open")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || !common.IsHexAddress(fs.Arg(0)) {
		return fmt.Errorf("expected one account address")
	}
	query := url.Values{"role": {*role}}
	if *active {
		query.Set("active", "true")
	}
	ctx, cancel := context.WithTimeout(context.Background(), conn.timeout)
	defer cancel()
	var resp struct {
		LoanIDs []uint64 `json:"loan_ids"`
	}
	path := "/v1/accounts/" + fs.Arg(0) + "/loans?" + query.Encode()
	if err := conn.client().get(ctx, path, &resp); err != nil {
		return err
	}
	ids := make([]string, len(resp.LoanIDs))
	for i, id := range resp.LoanIDs {
		ids[i] = strconv.FormatUint(id, 10)
	}
	fmt.Fprintln(out, strings.Join(ids, " "))
	return nil
}

func runStats(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	var conn connFlags
	conn.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), conn.timeout)
	defer cancel()
	var stats statsView
	if err := conn.client().get(ctx, "/v1/stats", &stats); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "loans\t%d\n", stats.LoanCount)
	fmt.Fprintf(tw, "total\t%d\n", stats.Total)
	fmt.Fprintf(tw, "active\t%d\n", stats.Active)
	fmt.Fprintf(tw, "repaid\t%d\n", stats.Repaid)
	fmt.Fprintf(tw, "defaulted\t%d\n", stats.Defaulted)
	fmt.Fprintf(tw, "cancelled\t%d\n", stats.Cancelled)
	fmt.Fprintf(tw, "liquidated\t%d\n", stats.Liquidated)
	return tw.Flush()
}

func runEvents(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	var conn connFlags
	conn.register(fs)
	typ := fs.String("type", "", "event type filter")
	loanID := fs.String("loan", "", "loan id filter")
	after := fs.Uint64("after", 0, "return events after this sequence number")
	limit := fs.Int("limit", 50, "page size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := url.Values{}
	if *typ != "" {
		query.Set("type", *typ)
	}
	if *loanID != "" {
		query.Set("loan_id", *loanID)
	}
	query.Set("after", strconv.FormatUint(*after, 10))
	query.Set("limit", strconv.Itoa(*limit))
	ctx, cancel := context.WithTimeout(context.Background(), conn.timeout)
	defer cancel()
	var resp struct {
		Events []eventView `json:"events"`
		Next   uint64      `json:"next"`
	}
	if err := conn.client().get(ctx, "/v1/events?"+query.Encode(), &resp); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, evt := range resp.Events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", evt.Seq, time.Unix(evt.CreatedAt, 0).UTC().Format(time.RFC3339), evt.Type, evt.Attributes["loanId"])
	}
	fmt.Fprintf(tw, "next\t%d\n", resp.Next)
	return tw.Flush()
}

func runRequest(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	var conn connFlags
	conn.register(fs)
	amount := fs.String("amount", "", "principal in whole units")
	rate := fs.Uint64("rate-bps", 0, "interest rate in basis points")
	duration := fs.Duration("duration", 30*24*time.Hour, "loan term")
	asset := fs.String("asset", "", "collateral token address")
	collateral := fs.String("collateral", "", "collateral amount in whole units")
	collateralDecimals := fs.Int("collateral-decimals", defaultDecimals, "decimals of the collateral token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	principal, err := parseUnits(*amount, int32(conn.decimals))
	if err != nil {
		return err
	}
	locked, err := parseUnits(*collateral, int32(*collateralDecimals))
	if err != nil {
		return err
	}
	body := map[string]any{
		"amount":            principal,
		"interest_rate_bps": *rate,
		"duration":          uint64(*duration / time.Second),
		"collateral_asset":  *asset,
		"collateral_amount": locked,
	}
	ctx, cancel := context.WithTimeout(context.Background(), conn.timeout)
	defer cancel()
	var loan loanView
	if err := conn.client().post(ctx, "/v1/loans", body, &loan); err != nil {
		return err
	}
	return printLoan(out, loan, int32(conn.decimals))
}

func runApprove(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	var conn connFlags
	conn.register(fs)
	asset := fs.String("asset", "", "token address")
	amount := fs.String("amount", "", "allowance in whole units")
	if err := fs.Parse(args); err != nil {
		return err
	}
	units, err := parseUnits(*amount, int32(conn.decimals))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), conn.timeout)
	defer cancel()
	var resp map[string]string
	if err := conn.client().post(ctx, "/v1/bank/approve", map[string]string{"asset": *asset, "amount": units}, &resp); err != nil {
		return err
	}
	fmt.Fprintf(out, "approved %s for %s\n", *amount, resp["spender"])
	return nil
}

func runTransition(action string, withPayment bool, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(action, flag.ContinueOnError)
	var conn connFlags
	conn.register(fs)
	payment := fs.String("payment", "", "payment in whole units")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := loanArg(fs)
	if err != nil {
		return err
	}
	var body any
	if withPayment {
		units, err := parseUnits(*payment, int32(conn.decimals))
		if err != nil {
			return err
		}
		body = map[string]string{"payment": units}
	}
	ctx, cancel := context.WithTimeout(context.Background(), conn.timeout)
	defer cancel()
	var loan loanView
	if err := conn.client().post(ctx, "/v1/loans/"+id+"/"+action, body, &loan); err != nil {
		return err
	}
	return printLoan(out, loan, int32(conn.decimals))
}

func loanArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("expected one loan id")
	}
	if _, err := strconv.ParseUint(fs.Arg(0), 10, 64); err != nil {
		return "", fmt.Errorf("invalid loan id %q", fs.Arg(0))
	}
	return fs.Arg(0), nil
}

func printLoan(out io.Writer, loan loanView, decimals int32) error {
	principal, err := formatUnits(loan.Principal, decimals)
	if err != nil {
		return err
	}
	repayment, err := formatUnits(loan.RepaymentAmount, decimals)
	if err != nil {
		return err
	}
	remaining, err := formatUnits(loan.RemainingRepayment, decimals)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%d\n", loan.ID)
	fmt.Fprintf(tw, "state\t%s\n", loan.State)
	fmt.Fprintf(tw, "borrower\t%s\n", loan.Borrower)
	if loan.Lender != "" {
		fmt.Fprintf(tw, "lender\t%s\n", loan.Lender)
	}
	fmt.Fprintf(tw, "principal\t%s\n", principal)
	fmt.Fprintf(tw, "interest\t%s\n", formatBps(strconv.FormatUint(loan.InterestRateBps, 10)))
	fmt.Fprintf(tw, "repayment\t%s\n", repayment)
	fmt.Fprintf(tw, "remaining\t%s\n", remaining)
	fmt.Fprintf(tw, "collateral\t%s %s\n", loan.CollateralAmount, loan.CollateralAsset)
	fmt.Fprintf(tw, "term\t%s\n", time.Duration(loan.Duration)*time.Second)
	if loan.Expiry > 0 {
		fmt.Fprintf(tw, "expiry\t%s\n", time.Unix(int64(loan.Expiry), 0).UTC().Format(time.RFC3339))
	}
	if q := loan.Liquidation; q != nil {
		value, err := formatUnits(q.CollateralValue, decimals)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "collateral value\t%s\n", value)
		fmt.Fprintf(tw, "ratio\t%s\n", formatBps(q.RatioBps))
		fmt.Fprintf(tw, "liquidatable\t%t\n", q.Liquidatable)
	}
	if loan.ValuationError != "" {
		fmt.Fprintf(tw, "valuation\t%s\n", loan.ValuationError)
	}
	return tw.Flush()
}
