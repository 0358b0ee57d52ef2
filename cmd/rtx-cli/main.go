package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"rtxbridge/internal/live"
	"rtxbridge/internal/util"
	"rtxbridge/pkg/rtxclient"
)

const version = "1.0.0"

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	baseURL := flag.String("url", envOr("RTXBRIDGE_URL", "http://127.0.0.1:50080"), "HTTP API base URL")
	grpcAddr := flag.String("grpc", envOr("RTXBRIDGE_GRPC", "127.0.0.1:50091"), "gRPC stream address")
	user := flag.String("user", os.Getenv("TXTRADER_USERNAME"), "API username")
	pass := flag.String("pass", os.Getenv("TXTRADER_PASSWORD"), "API password")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rtx-cli [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version                          Print the CLI and server versions\n")
		fmt.Fprintf(os.Stderr, "  status                           Show the upstream connection status\n")
		fmt.Fprintf(os.Stderr, "  monitor [flag ...]               Stream notifications (flags select flagged ones)\n")
		fmt.Fprintf(os.Stderr, "  accounts                         List accounts\n")
		fmt.Fprintf(os.Stderr, "  positions                        Show positions\n")
		fmt.Fprintf(os.Stderr, "  orders                           List orders\n")
		fmt.Fprintf(os.Stderr, "  executions                       List executions\n")
		fmt.Fprintf(os.Stderr, "  add <symbol>                     Subscribe to a symbol\n")
		fmt.Fprintf(os.Stderr, "  order <kind> <symbol> <qty> [price] [limit]\n")
		fmt.Fprintf(os.Stderr, "                                   Submit a market, limit, stop or stoplimit order\n")
		fmt.Fprintf(os.Stderr, "  cancel <id>                      Cancel an order\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := rtxclient.NewClient(*baseURL, *user, *pass)
	cmd, args := flag.Arg(0), flag.Args()[1:]

	var (
		out any
		err error
	)
	switch cmd {
	case "version":
		fmt.Printf("rtx-cli %s\n", version)
		out, err = c.Version(ctx)
	case "status":
		out, err = c.Status(ctx)
	case "monitor":
		err = monitor(ctx, *grpcAddr, args)
	case "accounts":
		out, err = c.Accounts(ctx)
	case "positions":
		out, err = c.Positions(ctx)
	case "orders":
		out, err = c.Orders(ctx)
	case "executions":
		out, err = c.Executions(ctx)
	case "add":
		if len(args) != 1 {
			usageExit("add <symbol>")
		}
		out, err = c.AddSymbol(ctx, strings.ToUpper(args[0]))
	case "order":
		out, err = submit(ctx, c, args)
	case "cancel":
		if len(args) != 1 {
			usageExit("cancel <id>")
		}
		out, err = c.CancelOrder(ctx, args[0])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
	if out != nil {
		b, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(b))
	}
}

func usageExit(usage string) {
	fmt.Fprintf(os.Stderr, "usage: rtx-cli %s\n", usage)
	os.Exit(2)
}

func submit(ctx context.Context, c *rtxclient.Client, args []string) (any, error) {
	if len(args) < 3 {
		usageExit("order <market|limit|stop|stoplimit> <symbol> <qty> [price] [limit]")
	}
	kind, symbol := args[0], strings.ToUpper(args[1])
	qty, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid quantity %q", args[2])
	}
	prices := make([]decimal.Decimal, 0, 2)
	for _, p := range args[3:] {
		d, err := decimal.NewFromString(p)
		if err != nil {
			return nil, fmt.Errorf("invalid price %q", p)
		}
		prices = append(prices, d)
	}
	need := map[string]int{"market": 0, "limit": 1, "stop": 1, "stoplimit": 2}
	n, ok := need[kind]
	if !ok {
		return nil, fmt.Errorf("unknown order kind %q", kind)
	}
	if len(prices) != n {
		return nil, fmt.Errorf("%s order takes %d price(s)", kind, n)
	}
	var opt rtxclient.OrderOptions
	switch kind {
	case "market":
		return c.MarketOrder(ctx, symbol, qty, opt)
	case "limit":
		return c.LimitOrder(ctx, symbol, prices[0], qty, opt)
	case "stop":
		return c.StopOrder(ctx, symbol, prices[0], qty, opt)
	default:
		return c.StopLimitOrder(ctx, symbol, prices[0], prices[1], qty, opt)
	}
}

func monitor(ctx context.Context, addr string, flags []string) error {
	lc := live.NewClient(addr, util.NewLogger("warn"))
	fmt.Fprintf(os.Stderr, "streaming notifications from %s (Ctrl-C to stop)\n", addr)
	return lc.Watch(ctx, flags, true, func(evt live.Event) {
		fmt.Printf("%s %6d %s\n", evt.Time.Local().Format(time.TimeOnly), evt.Seq, evt.Text)
	})
}
