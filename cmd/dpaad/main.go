// dpaad is the DPAA bus daemon.
//
// It discovers the frame manager interfaces and the crypto accelerator
// from the device tree, binds them, probes the built-in drivers and
// serves the bus state over HTTP and gRPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/christophefontaine/dpdk/pkg/config"
	"github.com/christophefontaine/dpdk/pkg/daemon"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configFile := flag.String("config", config.DefaultPath, "configuration file path")
	apiAddr := flag.String("api-addr", "", `HTTP API listen address ("off" to disable, empty for the configured one)`)
	grpcAddr := flag.String("grpc-addr", "", `gRPC API listen address ("off" to disable, empty for the configured one)`)
	debug := flag.Bool("debug", false, "enable debug logging")
	trace := flag.Bool("trace", false, "write bus trace spans to stderr")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("dpaad", version)
		return
	}
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "dpaad: unexpected arguments: %s\n", strings.Join(flag.Args(), " "))
		os.Exit(2)
	}

	shutdown, err := initTracing(context.Background(), *trace, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dpaad: %v\n", err)
		os.Exit(1)
	}

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		APIAddr:    *apiAddr,
		GRPCAddr:   *grpcAddr,
		Debug:      *debug,
		Version:    version,
	})

	err = d.Run(context.Background())
	shutdownTracing(shutdown)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dpaad: %v\n", err)
		os.Exit(1)
	}
}
