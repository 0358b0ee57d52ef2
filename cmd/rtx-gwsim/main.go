package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"rtxbridge/internal/gwsim"
	"rtxbridge/internal/util"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:51070", "address to accept sessions on")
	accounts := flag.String("accounts", "DEMO.1.1.1,DEMO.1.1.2", "comma-separated accounts")
	symbols := flag.String("symbols", "AAPL=171.25,MSFT=410.10,SPY=512.30", "comma-separated SYMBOL=price listings")
	zone := flag.String("zone", "America/New_York", "feed time zone")
	wander := flag.Duration("wander", time.Second, "random price move interval; 0 disables")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := util.NewLogger(*level)
	loc, err := time.LoadLocation(*zone)
	if err != nil {
		log.Fatalf("bad zone: %v", err)
	}

	gw := gwsim.New(strings.Split(*accounts, ","), loc, logger)
	for i, listing := range strings.Split(*symbols, ",") {
		sym, px, ok := strings.Cut(listing, "=")
		price, err := decimal.NewFromString(px)
		if !ok || err != nil {
			fmt.Fprintf(os.Stderr, "bad listing %q: want SYMBOL=price\n", listing)
			os.Exit(2)
		}
		gw.AddSymbol(strings.ToUpper(sym), fmt.Sprintf("SIM%06d", i+1), price)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *wander > 0 {
		go gw.Wander(ctx, *wander)
	}
	if err := gw.ListenAndServe(ctx, *listen); err != nil {
		log.Fatalf("gateway simulator: %v", err)
	}
}
