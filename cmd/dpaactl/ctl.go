package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/christophefontaine/dpdk/pkg/bus"
	"github.com/christophefontaine/dpdk/pkg/cmdtree"
	"github.com/christophefontaine/dpdk/pkg/grpcapi"
	"github.com/christophefontaine/dpdk/pkg/logging"
)

// busClient is the subset of grpcapi.Client used by the CLI.
type busClient interface {
	GetStatus(ctx context.Context) (*structpb.Struct, error)
	ListInterfaces(ctx context.Context) (*structpb.ListValue, error)
	ListDevices(ctx context.Context, typ string) (*structpb.ListValue, error)
	GetNetworkConfig(ctx context.Context) (*structpb.Struct, error)
	ListEvents(ctx context.Context, q grpcapi.EventQuery) (*structpb.ListValue, error)
	StreamEvents(ctx context.Context, q grpcapi.EventQuery, fn func(*structpb.Struct) error) error
}

var errExit = errors.New("exit")

// statusReply is the GetStatus reply shape.
type statusReply struct {
	bus.StatusInfo
	Uptime  string              `json:"uptime"`
	Version string              `json:"version"`
	Drivers map[string][]string `json:"drivers"`
}

type ctl struct {
	client  busClient
	out     io.Writer
	timeout time.Duration
}

func (c *ctl) call() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

func (c *ctl) dispatch(line string) error {
	line = strings.TrimSpace(line)
	if strings.HasSuffix(line, "?") {
		c.showContextHelp(strings.TrimSuffix(line, "?"))
		return nil
	}
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "show":
		return c.handleShow(parts[1:])
	case "monitor":
		if len(parts) < 2 || parts[1] != "events" {
			return fmt.Errorf("monitor: expected 'events'")
		}
		return c.monitorEvents(parts[2:])
	case "quit", "exit":
		return errExit
	case "help":
		c.showHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *ctl) handleShow(args []string) error {
	if len(args) == 0 {
		c.showContextHelp("show ")
		return nil
	}
	switch args[0] {
	case "status":
		return c.showStatus()
	case "interfaces":
		return c.showInterfaces(args[1:])
	case "devices":
		return c.showDevices(args[1:])
	case "netcfg":
		return c.showNetcfg()
	case "events":
		return c.showEvents(args[1:])
	default:
		return fmt.Errorf("show: unknown target %q", args[0])
	}
}

func (c *ctl) showStatus() error {
	ctx, cancel := c.call()
	defer cancel()
	resp, err := c.client.GetStatus(ctx)
	if err != nil {
		return fmt.Errorf("%v", err)
	}
	var st statusReply
	if err := grpcapi.Decode(resp, &st); err != nil {
		return err
	}

	row := func(name string, v any) { fmt.Fprintf(c.out, "  %-20s %v\n", name+":", v) }
	fmt.Fprintln(c.out, "Bus status:")
	row("State", st.State)
	if st.ScanID != "" {
		row("Scan ID", st.ScanID)
	}
	row("Interfaces", st.Interfaces)
	row("Devices", st.Devices)
	if st.Revision != nil {
		row("FMan major", *st.Revision)
		row("Offload", st.Offload)
	}
	if st.SecEra != nil {
		row("SEC era", *st.SecEra)
	}
	row("Active portals", st.ActivePortals)
	row("Probed", st.Probed)
	row("Probe failures", st.ProbeFailures)
	row("Uptime", st.Uptime)
	if st.Version != "" {
		row("Version", st.Version)
	}
	types := make([]string, 0, len(st.Drivers))
	for t := range st.Drivers {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		row("Drivers ("+t+")", strings.Join(st.Drivers[t], ", "))
	}
	return nil
}

func (c *ctl) interfaces() ([]bus.InterfaceInfo, error) {
	ctx, cancel := c.call()
	defer cancel()
	resp, err := c.client.ListInterfaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("%v", err)
	}
	var infos []bus.InterfaceInfo
	if err := grpcapi.Decode(resp, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func (c *ctl) showInterfaces(args []string) error {
	infos, err := c.interfaces()
	if err != nil {
		return err
	}
	if len(args) > 0 {
		for _, ii := range infos {
			if ii.Name == args[0] {
				c.showInterfaceDetail(ii)
				return nil
			}
		}
		return fmt.Errorf("interface %s not found", args[0])
	}
	if len(infos) == 0 {
		fmt.Fprintln(c.out, "no interfaces bound")
		return nil
	}
	fmt.Fprintf(c.out, "  %-12s %-18s %-8s %-5s %-6s %s\n",
		"Interface", "MAC", "Type", "Port", "Pools", "Link")
	for _, ii := range infos {
		link := ii.SharedLink
		if link == "" {
			link = "-"
		}
		fmt.Fprintf(c.out, "  %-12s %-18s %-8s %-5d %-6d %s\n",
			ii.Name, ii.MAC, ii.MACType, ii.Port, len(ii.Pools), link)
	}
	return nil
}

func (c *ctl) showInterfaceDetail(ii bus.InterfaceInfo) {
	row := func(name string, format string, v ...any) {
		fmt.Fprintf(c.out, "  %-20s "+format+"\n", append([]any{name + ":"}, v...)...)
	}
	fmt.Fprintf(c.out, "Interface %s (%s)\n", ii.Name, ii.Node)
	row("Controller", "%d", ii.Controller)
	row("Port", "%d", ii.Port)
	row("MAC type", "%s", ii.MACType)
	row("memac", "%v", ii.MEMAC)
	row("RGMII", "%v", ii.RGMII)
	row("Hardware address", "%s", ii.MAC)
	row("Tx channel", "%#x", ii.TxChannel)
	row("Rx queues", "default %#x error %#x", ii.FQIDRxDefault, ii.FQIDRxError)
	row("Tx queues", "confirm %#x error %#x", ii.FQIDTxConfirm, ii.FQIDTxError)
	row("CCSR", "%#x", ii.CCSR)
	row("BMI", "%#x", ii.BMI)
	if ii.SharedLink != "" {
		row("Shared link", "%s", ii.SharedLink)
	}
	for _, p := range ii.Pools {
		row("Buffer pool", "bpid %d count %d size %d addr %#x", p.BPID, p.Count, p.Size, p.Addr)
	}
}

func (c *ctl) devices(typ string) ([]bus.DeviceInfo, error) {
	ctx, cancel := c.call()
	defer cancel()
	resp, err := c.client.ListDevices(ctx, typ)
	if err != nil {
		return nil, fmt.Errorf("%v", err)
	}
	var devs []bus.DeviceInfo
	if err := grpcapi.Decode(resp, &devs); err != nil {
		return nil, err
	}
	return devs, nil
}

func (c *ctl) showDevices(args []string) error {
	var typ string
	if len(args) > 0 {
		typ = args[0]
	}
	devs, err := c.devices(typ)
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		fmt.Fprintln(c.out, "no devices")
		return nil
	}
	fmt.Fprintf(c.out, "  %-5s %-12s %-8s %-10s %s\n", "Index", "Device", "Type", "Location", "Driver")
	for _, d := range devs {
		loc := "-"
		if d.Controller > 0 {
			loc = fmt.Sprintf("fm%d/%d", d.Controller, d.Port)
		}
		drv := d.Driver
		if drv == "" {
			drv = "-"
		}
		fmt.Fprintf(c.out, "  %-5d %-12s %-8s %-10s %s\n", d.Index, d.Name, d.Type, loc, drv)
	}
	return nil
}

func (c *ctl) showNetcfg() error {
	ctx, cancel := c.call()
	defer cancel()
	resp, err := c.client.GetNetworkConfig(ctx)
	if err != nil {
		return fmt.Errorf("%v", err)
	}
	fmt.Fprint(c.out, resp.GetFields()["text"].GetStringValue())
	return nil
}

// parseEventArgs reads "[N] [kind K] [device D]". A count is only valid
// when allowCount is set.
func parseEventArgs(args []string, allowCount bool) (grpcapi.EventQuery, error) {
	var q grpcapi.EventQuery
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "kind", "device":
			if i+1 >= len(args) {
				return q, fmt.Errorf("%s: missing value", args[i])
			}
			if args[i] == "kind" {
				q.Kind = args[i+1]
			} else {
				q.Device = args[i+1]
			}
			i++
		default:
			n, err := strconv.Atoi(args[i])
			if !allowCount || err != nil || n <= 0 {
				return q, fmt.Errorf("unexpected argument %q", args[i])
			}
			q.Count = n
		}
	}
	return q, nil
}

func (c *ctl) writeEvent(rec logging.EventRecord) {
	fmt.Fprintf(c.out, "%s #%-5d %s\n", rec.Time.Local().Format(time.DateTime), rec.Seq, rec.String())
}

func (c *ctl) showEvents(args []string) error {
	q, err := parseEventArgs(args, true)
	if err != nil {
		return err
	}
	ctx, cancel := c.call()
	defer cancel()
	resp, err := c.client.ListEvents(ctx, q)
	if err != nil {
		return fmt.Errorf("%v", err)
	}
	var recs []logging.EventRecord
	if err := grpcapi.Decode(resp, &recs); err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(c.out, "no events recorded")
		return nil
	}
	// Oldest first, like a log.
	for i := len(recs) - 1; i >= 0; i-- {
		c.writeEvent(recs[i])
	}
	fmt.Fprintf(c.out, "(%d events shown)\n", len(recs))
	return nil
}

func (c *ctl) monitorEvents(args []string) error {
	q, err := parseEventArgs(args, false)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	fmt.Fprintln(c.out, "monitoring events, press Ctrl-C to stop")
	err = c.client.StreamEvents(ctx, q, func(ev *structpb.Struct) error {
		var rec logging.EventRecord
		if err := grpcapi.Decode(ev, &rec); err != nil {
			return err
		}
		c.writeEvent(rec)
		return nil
	})
	if ctx.Err() != nil || status.Code(err) == codes.Canceled {
		return nil
	}
	if err == io.EOF {
		return errors.New("event stream closed by server")
	}
	return err
}

// Values implements cmdtree.Source.
func (c *ctl) Values(kind string) []string {
	var names []string
	switch kind {
	case cmdtree.DynInterfaces:
		infos, err := c.interfaces()
		if err != nil {
			return nil
		}
		for _, ii := range infos {
			names = append(names, ii.Name)
		}
	case cmdtree.DynDevices:
		devs, err := c.devices("")
		if err != nil {
			return nil
		}
		for _, d := range devs {
			names = append(names, d.Name)
		}
	}
	return names
}

// splitLine returns the complete words of text and the word being typed.
func splitLine(text string) ([]string, string) {
	words := strings.Fields(text)
	if len(words) > 0 && !strings.HasSuffix(text, " ") {
		return words[:len(words)-1], words[len(words)-1]
	}
	return words, ""
}

func (c *ctl) showContextHelp(prefix string) {
	words, partial := splitLine(prefix)
	candidates := cmdtree.Complete(cmdtree.Tree, words, partial, c)
	if len(candidates) == 0 {
		fmt.Fprintln(c.out, "no completions")
		return
	}
	cmdtree.WriteHelp(c.out, candidates)
}

func (c *ctl) showHelp() {
	fmt.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  show status                              Show bus state and counters")
	fmt.Fprintln(c.out, "  show interfaces [NAME]                   Show bound interfaces")
	fmt.Fprintln(c.out, "  show devices [network|crypto]            Show discovered devices")
	fmt.Fprintln(c.out, "  show netcfg                              Show the network configuration")
	fmt.Fprintln(c.out, "  show events [N] [kind K] [device D]      Show recent bus events")
	fmt.Fprintln(c.out, "  monitor events [kind K] [device D]       Stream bus events")
	fmt.Fprintln(c.out, "  quit                                     Exit CLI")
}

// completer adapts the command tree to readline.
type completer struct {
	ctl *ctl
}

func (rc *completer) Do(line []rune, pos int) ([][]rune, int) {
	words, partial := splitLine(string(line[:pos]))
	var result [][]rune
	for _, name := range cmdtree.Names(cmdtree.Complete(cmdtree.Tree, words, partial, rc.ctl)) {
		result = append(result, []rune(name[len(partial):]+" "))
	}
	return result, len(partial)
}
