package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tendermint/tendermint/libs/log"
)

var logger = log.NewNopLogger()

func main() {
	var durationInt, connections, rate, batchSize, accounts int
	var verbose bool

	flagSet := flag.NewFlagSet("bench", flag.ExitOnError)
	flagSet.IntVar(&connections, "c", 1, "connections to keep open per endpoint")
	flagSet.IntVar(&durationInt, "T", 10, "exit after the specified amount of time in seconds")
	flagSet.IntVar(&rate, "r", 10, "batches per second per connection")
	flagSet.IntVar(&batchSize, "s", 32, "transactions per batch")
	flagSet.IntVar(&accounts, "a", 16, "synthetic sender accounts")
	flagSet.BoolVar(&verbose, "v", false, "verbose logging")

	flagSet.Usage = func() {
		fmt.Println(`Benchmark a HyperRAFT++ node by flooding it with signed batches.

Usage:
	bench [-c 1] [-T 10] [-r 10] [-s 32] [-a 16] [endpoint]

Examples:
	bench 127.0.0.1:26657`)
		fmt.Println("Flags:")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		os.Exit(1)
	}
	endpoint := flagSet.Arg(0)

	if verbose {
		logger = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	}

	t := newTransacter(endpoint, connections, rate, batchSize, accounts)
	t.SetLogger(logger)
	if err := t.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	time.Sleep(time.Duration(durationInt) * time.Second)
	t.Stop()
}
