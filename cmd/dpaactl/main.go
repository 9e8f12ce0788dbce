// dpaactl is the CLI client for dpaad.
//
// It connects to the dpaad gRPC API and shows the DPAA bus state, the
// bound interfaces and devices, and the bus event log.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/christophefontaine/dpdk/pkg/grpcapi"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "dpaad gRPC address")
	command := flag.String("c", "", "run one command and exit")
	timeout := flag.Duration("timeout", 5*time.Second, "per-call timeout")
	flag.Parse()

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "dpaactl: connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	c := &ctl{
		client:  grpcapi.NewClient(conn),
		out:     os.Stdout,
		timeout: *timeout,
	}

	if *command != "" || flag.NArg() > 0 {
		line := strings.TrimSpace(*command + " " + strings.Join(flag.Args(), " "))
		if err := c.dispatch(line); err != nil && !errors.Is(err, errExit) {
			fmt.Fprintf(os.Stderr, "dpaactl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Verify connectivity
	ctx, cancel := c.call()
	st, err := c.client.GetStatus(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dpaactl: cannot reach dpaad at %s: %v\n", *addr, err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "dpaa"
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          hostname + "> ",
		HistoryFile:     filepath.Join(os.TempDir(), "dpaactl_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    &completer{ctl: c},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dpaactl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()
	c.out = rl.Stdout()

	fmt.Fprintf(c.out, "dpaactl: connected to dpaad (bus %s, uptime %s)\n",
		st.GetFields()["state"].GetStringValue(),
		st.GetFields()["uptime"].GetStringValue())
	fmt.Fprintln(c.out, "Type '?' for help")
	fmt.Fprintln(c.out)

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}

		if err := c.dispatch(line); err != nil {
			if errors.Is(err, errExit) {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}
