package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"recsync/internal/agentd"
	"recsync/internal/api"
	"recsync/internal/clocksync"
	"recsync/internal/config"
	"recsync/internal/coordinator"
	"recsync/internal/logger"
	"recsync/internal/metrics"
	"recsync/internal/model"
	"recsync/internal/transport"
)

const usage = `recsync - multi-device recording synchronization

Usage:
  recsync coordinator run   -config <file>
  recsync coordinator status -coordinator <url>
  recsync agent run         -config <file>

  recsync session prepare   -coordinator <url> -caps <a,b,..> [-nodes <id,..>]
  recsync session start     -coordinator <url> -id <session>
  recsync session stop      -coordinator <url> -id <session>
  recsync session pause     -coordinator <url> -id <session>
  recsync session resume    -coordinator <url> -id <session>
  recsync session abort     -coordinator <url> -id <session> [-reason <text>]
  recsync session status    -coordinator <url> [-id <session>]

  recsync nodes             -coordinator <url>
  recsync health            -coordinator <url> -node <id>
  recsync clock-models      -coordinator <url> -id <session>
  recsync events            -coordinator <url>

  recsync probe serve       -listen <addr>
  recsync probe test        -addr <host:port> [-count <n>]
  recsync stats             -csv <file> [-since <duration>]
`

const defaultCoordinator = "http://127.0.0.1:7600"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "coordinator":
		runCoordinator(os.Args[2:])
	case "agent":
		runAgent(os.Args[2:])
	case "session":
		runSession(os.Args[2:])
	case "nodes":
		runNodes(os.Args[2:])
	case "health":
		runHealth(os.Args[2:])
	case "clock-models":
		runClockModels(os.Args[2:])
	case "events":
		runEvents(os.Args[2:])
	case "probe":
		runProbe(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fatal("unknown command %q", os.Args[1])
	}
}

func runCoordinator(args []string) {
	if len(args) < 1 {
		fatal("usage: recsync coordinator <run|status> ...")
	}
	if args[0] == "status" {
		runCoordinatorStatus(args[1:])
		return
	}
	if args[0] != "run" {
		fatal("usage: recsync coordinator <run|status> ...")
	}
	fs := flag.NewFlagSet("coordinator run", flag.ExitOnError)
	configPath := fs.String("config", "recsync.yaml", "config file")
	_ = fs.Parse(args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal("invalid config: %v", err)
	}
	if cfg.Coordinator == nil {
		fatal("config has no coordinator section")
	}
	logger.Init(cfg.Logging)

	srv, err := coordinator.NewServer(*cfg.Coordinator)
	if err != nil {
		fatal("init coordinator: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := srv.Run(ctx); err != nil {
		fatal("coordinator: %v", err)
	}
}

func runCoordinatorStatus(args []string) {
	fs := flag.NewFlagSet("coordinator status", flag.ExitOnError)
	coordURL := fs.String("coordinator", defaultCoordinator, "coordinator URL")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := api.NewClient(*coordURL)

	nodes, err := client.Nodes(ctx)
	if err != nil {
		fatal("coordinator status: %v", err)
	}
	var synced int
	for _, n := range nodes.Nodes {
		if n.State == model.StateSynchronized {
			synced++
		}
	}
	fmt.Printf("nodes: %d registered, %d synchronized\n", len(nodes.Nodes), synced)

	sess, err := client.GetSession(ctx, "")
	if err != nil {
		fmt.Println("session: none active")
		return
	}
	fmt.Printf("session: %s state=%s participants=%d excluded=%d\n",
		sess.ID, sess.State, len(sess.ParticipantNodeIDs), len(sess.ExcludedNodeIDs))
	if !sess.ReferenceStartTime.IsZero() {
		fmt.Printf("reference start: %s\n", sess.ReferenceStartTime.Format(time.RFC3339Nano))
	}
}

func runAgent(args []string) {
	if len(args) < 1 || args[0] != "run" {
		fatal("usage: recsync agent run -config <file>")
	}
	fs := flag.NewFlagSet("agent run", flag.ExitOnError)
	configPath := fs.String("config", "recsync.yaml", "config file")
	_ = fs.Parse(args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal("invalid config: %v", err)
	}
	if cfg.Agent == nil {
		fatal("config has no agent section")
	}
	logger.Init(cfg.Logging)

	ctx, cancel := signalContext()
	defer cancel()
	if err := agentd.New(*cfg.Agent).Run(ctx); err != nil {
		fatal("agent: %v", err)
	}
}

func runSession(args []string) {
	if len(args) < 1 {
		fatal("usage: recsync session <prepare|start|stop|pause|resume|abort|status> ...")
	}
	op := args[0]
	fs := flag.NewFlagSet("session "+op, flag.ExitOnError)
	coordURL := fs.String("coordinator", defaultCoordinator, "coordinator URL")
	id := fs.String("id", "", "session ID")
	caps := fs.String("caps", "", "comma-separated required capabilities")
	nodes := fs.String("nodes", "", "comma-separated node IDs (optional)")
	reason := fs.String("reason", "", "abort reason")
	targetMs := fs.Int("target-tolerance-ms", 0, "target sync tolerance override")
	hardMs := fs.Int("hard-tolerance-ms", 0, "hard sync tolerance override")
	_ = fs.Parse(args[1:])

	client := api.NewClient(*coordURL)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var sess model.Session
	var err error
	switch op {
	case "prepare":
		if *caps == "" {
			fatal("session prepare requires -caps")
		}
		sess, err = client.PrepareSession(ctx, api.PrepareSessionRequest{
			RequiredCapabilities: splitList(*caps),
			NodeIDs:              splitList(*nodes),
			TargetToleranceMs:    *targetMs,
			HardToleranceMs:      *hardMs,
		})
	case "start":
		sess, err = client.StartSession(ctx, *id)
	case "stop":
		sess, err = client.StopSession(ctx, *id)
	case "pause":
		sess, err = client.PauseSession(ctx, *id)
	case "resume":
		sess, err = client.ResumeSession(ctx, *id)
	case "abort":
		sess, err = client.AbortSession(ctx, *id, *reason)
	case "status":
		sess, err = client.GetSession(ctx, *id)
	default:
		fatal("unknown session command %q", op)
	}
	if err != nil {
		fatal("session %s: %v", op, err)
	}
	printJSON(sess)
}

func runNodes(args []string) {
	fs := flag.NewFlagSet("nodes", flag.ExitOnError)
	coordURL := fs.String("coordinator", defaultCoordinator, "coordinator URL")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := api.NewClient(*coordURL).Nodes(ctx)
	if err != nil {
		fatal("nodes: %v", err)
	}
	for _, n := range res.Nodes {
		capNames := make([]string, len(n.Capabilities))
		for i, c := range n.Capabilities {
			capNames[i] = string(c)
		}
		fmt.Printf("%-16s %-20s %-14s %-24s %s\n", n.ID, n.Name, n.State, n.ProbeAddr, strings.Join(capNames, ","))
	}
}

func runHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	coordURL := fs.String("coordinator", defaultCoordinator, "coordinator URL")
	nodeID := fs.String("node", "", "node ID")
	_ = fs.Parse(args)
	if *nodeID == "" {
		fatal("health requires -node")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := api.NewClient(*coordURL).NodeHealth(ctx, *nodeID)
	if err != nil {
		fatal("health: %v", err)
	}
	printJSON(res.Record)
}

func runClockModels(args []string) {
	fs := flag.NewFlagSet("clock-models", flag.ExitOnError)
	coordURL := fs.String("coordinator", defaultCoordinator, "coordinator URL")
	id := fs.String("id", "", "session ID")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := api.NewClient(*coordURL).ClockModels(ctx, *id)
	if err != nil {
		fatal("clock-models: %v", err)
	}
	printJSON(res)
}

func runEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	coordURL := fs.String("coordinator", defaultCoordinator, "coordinator URL")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()
	err := api.NewClient(*coordURL).Events(ctx, func(ev model.Event) {
		fmt.Printf("%s  %-16s session=%s node=%s state=%s %s\n",
			ev.At.Format(time.RFC3339), ev.Kind, ev.SessionID, ev.NodeID, ev.State, ev.Detail)
	})
	if err != nil && ctx.Err() == nil {
		fatal("events: %v", err)
	}
}

func runProbe(args []string) {
	if len(args) < 1 {
		fatal("usage: recsync probe <serve|test> ...")
	}
	switch args[0] {
	case "serve":
		fs := flag.NewFlagSet("probe serve", flag.ExitOnError)
		listen := fs.String("listen", ":7611", "UDP listen address")
		_ = fs.Parse(args[1:])

		responder, err := transport.StartResponder(*listen, clocksync.System)
		if err != nil {
			fatal("probe serve: %v", err)
		}
		defer responder.Close()
		fmt.Printf("probe responder on %s\n", responder.LocalAddr())
		ctx, cancel := signalContext()
		defer cancel()
		<-ctx.Done()

	case "test":
		fs := flag.NewFlagSet("probe test", flag.ExitOnError)
		addr := fs.String("addr", "", "probe responder address")
		count := fs.Int("count", 5, "probe count")
		timeout := fs.Duration("timeout", 2*time.Second, "per-probe timeout")
		_ = fs.Parse(args[1:])
		if *addr == "" {
			fatal("probe test requires -addr")
		}

		prober := transport.NewUDPProber(clocksync.System, *timeout)
		node := model.Node{ID: "probe-test", ProbeAddr: *addr}
		for i := 0; i < *count; i++ {
			probe, err := prober.Probe(context.Background(), node)
			if err != nil {
				fmt.Printf("probe %d: %v\n", i+1, err)
				continue
			}
			offset := probe.NodeEchoTime - (probe.SendTime.UnixNano() + probe.RTT.Nanoseconds()/2)
			fmt.Printf("probe %d: rtt=%.2fms offset=%.3fms\n", i+1,
				float64(probe.RTT.Microseconds())/1000.0, float64(offset)/1e6)
		}

	default:
		fatal("unknown probe command %q", args[0])
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	csvPath := fs.String("csv", "", "probe diagnostics CSV")
	since := fs.Duration("since", 0, "only include samples newer than this")
	_ = fs.Parse(args)
	if *csvPath == "" {
		fatal("stats requires -csv")
	}

	samples, err := metrics.ReadCSV(*csvPath)
	if err != nil {
		fatal("stats: %v", err)
	}
	var cutoff time.Time
	if *since > 0 {
		cutoff = time.Now().Add(-*since)
	}
	printJSON(metrics.Summarize(samples, cutoff))
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printJSON(v any) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(v)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "recsync: "+format+"\n", args...)
	os.Exit(1)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
