package bootstrap

import (
    "context"
    "log"
    "path/filepath"
    "strings"
    "time"

    "github.com/tpatki/flux-core/pkg/cluster"
    consraft "github.com/tpatki/flux-core/pkg/consensus/raft"
    cns "github.com/tpatki/flux-core/pkg/consensus"
    "github.com/tpatki/flux-core/pkg/discovery"
    dDNS "github.com/tpatki/flux-core/pkg/discovery/dns"
    dFile "github.com/tpatki/flux-core/pkg/discovery/file"
    dStatic "github.com/tpatki/flux-core/pkg/discovery/static"
    "github.com/tpatki/flux-core/pkg/eventlog"
    "github.com/tpatki/flux-core/pkg/internal/logutil"
    "github.com/tpatki/flux-core/pkg/membership"
    ml "github.com/tpatki/flux-core/pkg/membership/memberlist"
    "github.com/tpatki/flux-core/pkg/observability/metrics"
    "github.com/tpatki/flux-core/pkg/resource"
    "github.com/tpatki/flux-core/pkg/resource/membershipwatch"
    tlsx "github.com/tpatki/flux-core/pkg/security/tlsconfig"
    "github.com/tpatki/flux-core/pkg/transport"
    mgmtgrpc "github.com/tpatki/flux-core/pkg/transport/grpc"
    httpjson "github.com/tpatki/flux-core/pkg/transport/httpjson"
    "crypto/tls"
)

// Config defines high-level inputs to assemble a cluster node with sensible
// defaults. Applications embed the cluster by providing this structure and
// calling Build/Run.
type Config struct {
    // Identity and addresses
    NodeID   string
    RaftAddr string // e.g., ":9521" or "host:9521"
    MemBind  string // membership bind host:port
    MemAdv   string // optional advertise host:port

    // Management API (status/join/leave/metrics)
    MgmtAddr  string // host:port for management API (HTTP or gRPC)
    MgmtProto string // "http" (default) or "grpc"

    // Discovery settings
    DiscoveryKind string        // "static" (default), "dns", or "file"
    SeedsCSV      string        // used when DiscoveryKind=static
    DNSNamesCSV   string        // used when kind=dns
    DNSPort       int           // used when kind=dns (A/AAAA)
    DiscRefresh   time.Duration // cache/refresh duration for discovery
    FilePath      string        // used when kind=file
    FileEnv       string        // used when kind=file

    // Persistence and bootstrap
    DataDir  string // empty → in-memory
    Bootstrap bool  // single-node bootstrap

    // TLS (optional) for management API
    TLSEnable      bool
    TLSCA          string
    TLSCert        string
    TLSKey         string
    TLSServerName  string
    TLSSkipVerify  bool

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger

    // Application handlers (optional) to handle read/write/sync callbacks.
    AppHandlers cluster.AppHandlers

    // Replication reliability tuning (optional)
    ReplWindow int           // max unacked window per topic before backpressure (default 1024)
    ReplRetry  time.Duration // retry interval (default 1.5s)
    ReplBufferDir string     // optional directory for disk-backed buffer

    // Optional callbacks
    OnLeaderChange  func(info cns.LeaderInfo)
    OnElectionStart func()
    OnElectionEnd   func(info cns.LeaderInfo)

    // Resource monitor (optional). ResourceHostsCSV is the ordered list of
    // hostnames that assigns ranks (index == rank); the resource monitor is
    // only wired in when it is non-empty.
    ResourceHostsCSV     string
    ResourceForceUp      bool
    ResourceSystemdEnable bool
    ResourceRecoveryMode bool
    // ResourceEventLogDB, if set, backs the monitor's event log with a
    // boltdb file under this path instead of an in-memory store.
    ResourceEventLogDB string
}

// Build assembles a cluster.Cluster from Config without starting it.
func Build(cfg Config) (*cluster.Cluster, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }

    // Raft owns its own bind socket; this just carries the address for
    // cluster.Options.Transport, which only needs Addr().
    tr := transport.NewStaticAddr(cfg.RaftAddr)

    // Discovery backend
    var disc discovery.Discovery
    switch cfg.DiscoveryKind {
    case "dns":
        names := dStatic.Parse(cfg.DNSNamesCSV)
        opts := dDNS.Options{Names: names, Port: cfg.DNSPort}
        if cfg.DiscRefresh > 0 { opts.Refresh = cfg.DiscRefresh }
        disc = dDNS.New(opts)
    case "file":
        opts := dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv}
        if cfg.DiscRefresh > 0 { opts.Refresh = cfg.DiscRefresh }
        disc = dFile.New(opts)
    default:
        seeds := dStatic.Parse(cfg.SeedsCSV)
        disc = dStatic.New(seeds...)
    }

    // Consensus (Raft)
    cons, err := consraft.New(consraft.Options{NodeID: cfg.NodeID, BindAddr: cfg.RaftAddr, DataDir: cfg.DataDir, Bootstrap: cfg.Bootstrap})
    if err != nil { return nil, err }

    // Membership (memberlist)
    // Pass management address via membership metadata for proxy-to-leader and discovery of mgmt endpoints
    memMeta := map[string]string{}
    if cfg.MgmtAddr != "" { memMeta["mgmt"] = cfg.MgmtAddr }
    mem, err := ml.New(ml.Options{NodeID: cfg.NodeID, Bind: cfg.MemBind, Advertise: cfg.MemAdv, Logger: cfg.Logger, Meta: memMeta})
    if err != nil { return nil, err }

    // Management API
    var srv transport.RPCServer
    var cli transport.RPCClient
    var srvTLS, cliTLS *tls.Config
    if cfg.TLSEnable {
        topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
        // Prefer hot-reload configs to allow manual rotation by replacing files
        if s, err := topts.ServerHotReload(); err == nil { srvTLS = s } else { return nil, err }
        if c, err := topts.ClientHotReload(); err == nil { cliTLS = c } else { return nil, err }
    }
    switch cfg.MgmtProto {
    case "grpc":
        s := mgmtgrpc.NewServer(cfg.MgmtAddr)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        c := mgmtgrpc.NewClient(3 * time.Second)
        if cliTLS != nil { c.UseTLS(cliTLS) }
        srv, cli = s, c
    default:
        s := httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        c := httpjson.NewClient(3 * time.Second)
        if cliTLS != nil { c.UseTLS(cliTLS) }
        srv, cli = s, c
    }

    opts := cluster.Options{
        NodeID:     cluster.NodeID(cfg.NodeID),
        Transport:  tr,
        Discovery:  disc,
        Logger:     cfg.Logger,
        Consensus:  cons,
        Membership: mem,
        RPCServer:  srv,
        RPCClient:  cli,
        AppHandlers: cfg.AppHandlers,
        ReplWindow:  cfg.ReplWindow,
        ReplRetry:   cfg.ReplRetry,
        ReplBufferDir: cfg.ReplBufferDir,
        OnLeaderChange:  cfg.OnLeaderChange,
        OnElectionStart: cfg.OnElectionStart,
        OnElectionEnd:   cfg.OnElectionEnd,
    }

    if cfg.ResourceHostsCSV != "" {
        mon, bridge, err := buildResourceMonitor(cfg, mem, cons, disc)
        if err != nil { return nil, err }
        opts.Monitor = mon
        opts.ResourceBridge = bridge
    }

    return cluster.New(context.Background(), opts)
}

// buildResourceMonitor assembles a resource.Monitor backed by a durable (or
// in-memory) event log and a membershipwatch.Bridge that republishes the
// gossip layer's current online set as the monitor's broker.online group,
// so the resource monitor tracks real membership whether this Cluster is
// the Raft leader or not (it rejects leader-only RPCs itself). Neither the
// monitor nor the bridge is started here: Cluster.Start does that with the
// real runtime ctx, not whatever lifetime Build happens to be called with.
func buildResourceMonitor(cfg Config, mem membership.Membership, cons cns.Consensus, disc discovery.Discovery) (*resource.Monitor, *membershipwatch.Bridge, error) {
    hosts := strings.Split(cfg.ResourceHostsCSV, ",")
    for i, h := range hosts {
        hosts[i] = strings.TrimSpace(h)
    }

    var store eventlog.Store
    if cfg.ResourceEventLogDB != "" {
        bs, err := eventlog.OpenBoltStore(filepath.Clean(cfg.ResourceEventLogDB))
        if err != nil { return nil, nil, err }
        store = bs
    } else {
        store = eventlog.NewMemStore()
    }
    appender := eventlog.New(store, 0, eventlog.Hooks{
        OnCommit: func(path string, n int) {
            metrics.EventlogBatchesTotal.Inc()
        },
        OnErr: func(path string, entry eventlog.Entry, err error) {
            logutil.Errorf(cfg.Logger, "resource: append to %s failed: %v", path, err)
            metrics.EventlogAppendErrorsTotal.Inc()
        },
    })

    bridge := membershipwatch.NewBridge(mem, hosts, cfg.Logger)

    mon := resource.New(resource.Config{
        Size:          uint(len(hosts)),
        ForceUp:       cfg.ResourceForceUp,
        SystemdEnable: cfg.ResourceSystemdEnable,
        RecoveryMode:  cfg.ResourceRecoveryMode,
        Hostlist:      resolveNodelist(hosts, disc),
        Logger:        cfg.Logger,
    }, cons, bridge.Watcher(), appender)
    return mon, bridge, nil
}

// resolveNodelist decides what hostlist string backs the monitor's restart
// nodelist. discovery.Discovery only exposes an aggregate Seeds() with no
// per-rank lookup, so it can stand in for the configured rank-ordered hosts
// only when its seed count matches the rank count exactly (the case where
// DiscoveryKind was pointed at the same membership as ResourceHostsCSV);
// otherwise the raw configured hostnames are kept, since rank order
// (index == rank) must be preserved and Discovery gives no way to attribute
// a resolved seed back to the rank that produced it.
func resolveNodelist(hosts []string, disc discovery.Discovery) string {
    if disc != nil {
        if seeds := disc.Seeds(); len(seeds) == len(hosts) {
            return strings.Join(seeds, ",")
        }
    }
    return strings.Join(hosts, ",")
}

// Run builds and starts the cluster, returning the instance for lifecycle
// control. The caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*cluster.Cluster, error) {
    cl, err := Build(cfg)
    if err != nil { return nil, err }
    if err := cl.Start(ctx); err != nil { return nil, err }
    return cl, nil
}
