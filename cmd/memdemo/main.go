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

    "github.com/tpatki/flux-core/pkg/consensus"
    "github.com/tpatki/flux-core/pkg/eventlog"
    base "github.com/tpatki/flux-core/pkg/membership"
    ml "github.com/tpatki/flux-core/pkg/membership/memberlist"
    "github.com/tpatki/flux-core/pkg/resource"
    "github.com/tpatki/flux-core/pkg/resource/membershipwatch"
)

func main() {
    var (
        id            = flag.String("id", "node-1", "node id")
        bind          = flag.String("bind", ":7946", "bind host:port")
        advertise     = flag.String("advertise", "", "advertise host:port (optional)")
        joinCSV       = flag.String("join", "", "comma-separated seeds (host:port)")
        resourceHosts = flag.String("resource-hosts", "", "comma-separated hostlist assigning ranks (index == rank); enables the resource monitor demo when set")
    )
    flag.Parse()

    ctx, cancel := signalContext()
    defer cancel()

    m, err := ml.New(ml.Options{NodeID: *id, Bind: *bind, Advertise: *advertise, Logger: log.Default()})
    if err != nil { log.Fatal(err) }
    if err := m.Start(ctx); err != nil { log.Fatal(err) }

    if *joinCSV != "" {
        seeds := splitCSV(*joinCSV)
        if err := m.Join(seeds); err != nil { log.Printf("join error: %v", err) }
    }

    fmt.Println("memdemo started. Press Ctrl+C to exit.")
    go func(evch <-chan base.Event) {
        for e := range evch {
            fmt.Printf("event: %-6s id=%s addr=%s at=%s\n", e.Type, e.Member.ID, e.Member.Addr, e.At.Format(time.RFC3339))
        }
    }(m.Events())

    if hosts := splitCSV(*resourceHosts); len(hosts) > 0 {
        mon := startResourceDemo(ctx, m, hosts)
        go printResourceState(ctx, mon)
    }

    <-ctx.Done()
    _ = m.Leave()
    _ = m.Stop()
}

// startResourceDemo wires a standalone resource.Monitor to this process's
// membership view, so memdemo also demonstrates the resource monitor without
// needing a full cluster/raft setup. The monitor always runs as leader here:
// a single-node demo has no follower to reject RPCs on.
func startResourceDemo(ctx context.Context, mem base.Membership, hosts []string) *resource.Monitor {
    bridge := membershipwatch.NewBridge(mem, hosts, log.Default())
    bridge.Start(ctx)

    appender := eventlog.New(eventlog.NewMemStore(), 0, eventlog.Hooks{
        OnErr: func(path string, entry eventlog.Entry, err error) {
            log.Printf("resource: append to %s failed: %v", path, err)
        },
    })

    mon := resource.New(resource.Config{
        Size:     uint(len(hosts)),
        Hostlist: strings.Join(hosts, ","),
        Logger:   log.Default(),
    }, alwaysLeader{}, bridge.Watcher(), appender)
    if err := mon.Start(ctx); err != nil {
        log.Printf("resource monitor start error: %v", err)
    }
    return mon
}

func printResourceState(ctx context.Context, mon *resource.Monitor) {
    t := time.NewTicker(5 * time.Second)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            up, err := mon.Up(ctx)
            if err != nil { continue }
            torpid, _ := mon.Torpid(ctx)
            lost, _ := mon.Lost(ctx)
            fmt.Printf("resource: up=%s torpid=%s lost=%s\n", up.Encode(), torpid.Encode(), lost.Encode())
        }
    }
}

// alwaysLeader is a no-op consensus.Consensus that reports this node as the
// permanent leader, the demo's stand-in for a real Raft node.
type alwaysLeader struct{}

func (alwaysLeader) Start(ctx context.Context) error                { return nil }
func (alwaysLeader) Apply(cmd consensus.Command, timeout time.Duration) error { return nil }
func (alwaysLeader) IsLeader() bool                                  { return true }
func (alwaysLeader) Leader() (string, string, bool)                  { return "", "", false }
func (alwaysLeader) Term() uint64                                    { return 0 }
func (alwaysLeader) Stop() error                                     { return nil }

func splitCSV(s string) []string {
    if s == "" { return nil }
    parts := strings.Split(s, ",")
    out := make([]string, 0, len(parts))
    for _, p := range parts { p = strings.TrimSpace(p); if p != "" { out = append(out, p) } }
    return out
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        <-ch
        cancel()
    }()
    return ctx, cancel
}

