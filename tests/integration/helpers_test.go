//go:build integration

package integration

import (
    "context"
    "encoding/json"
    "testing"
    "time"

    "github.com/tpatki/flux-core/pkg/bootstrap"
    gcluster "github.com/tpatki/flux-core/pkg/cluster"
    httpjson "github.com/tpatki/flux-core/pkg/transport/httpjson"
)

// clusterStatus mirrors the JSON body returned by the management API's
// status route; tests only assert on the fields they need.
type clusterStatus struct {
    Healthy    bool   `json:"Healthy"`
    Term       uint64 `json:"Term"`
    LeaderID   string `json:"LeaderID"`
    LeaderAddr string `json:"LeaderAddr"`
    Members    []struct {
        ID string `json:"ID"`
    } `json:"Members"`
}

func pollStatus(ctx context.Context, cli *httpjson.Client, addr string) (clusterStatus, error) {
    var s clusterStatus
    body, err := cli.GetStatus(ctx, addr)
    if err != nil {
        return s, err
    }
    return s, json.Unmarshal(body, &s)
}

// errNotReady is returned by an eventually() condition to mean "keep
// polling", distinct from a hard failure.
var errNotReady = notReadyErr{}

type notReadyErr struct{}

func (notReadyErr) Error() string { return "condition not yet satisfied" }

// eventually polls cond every 200ms until it returns a nil error or timeout
// elapses, failing the test on timeout with the last observed error.
func eventually(t *testing.T, timeout time.Duration, cond func() error) {
    t.Helper()
    tick := time.NewTicker(200 * time.Millisecond)
    defer tick.Stop()
    deadline := time.After(timeout)
    var last error
    for {
        if last = cond(); last == nil {
            return
        }
        select {
        case <-deadline:
            t.Fatalf("timed out waiting for condition: %v", last)
            return
        case <-tick.C:
        }
    }
}

// threeNodeTopology is the fixed address plan shared by tests that stand up
// a 3-node cluster; each test picks a distinct base so suites can run in the
// same binary without port collisions.
type threeNodeTopology struct {
    raft, mem, mgmt [3]string
}

func (top threeNodeTopology) node(i int, nodeID string, seed bool, extra func(*bootstrap.Config)) bootstrap.Config {
    cfg := bootstrap.Config{
        NodeID:        nodeID,
        RaftAddr:      top.raft[i],
        MemBind:       top.mem[i],
        MgmtAddr:      top.mgmt[i],
        DiscoveryKind: "static",
        Bootstrap:     i == 0,
    }
    if !seed {
        cfg.SeedsCSV = top.mem[0]
    }
    if extra != nil {
        extra(&cfg)
    }
    return cfg
}

// startThree boots three nodes on top's addresses, IDs n1..n3, n1 bootstrapping
// the raft group and n2/n3 seeding off it via static discovery. extra, if
// non-nil, is applied to every node's Config before Run (e.g. to attach
// AppHandlers or enable the resource monitor).
func startThree(t *testing.T, ctx context.Context, top threeNodeTopology, extra func(i int, cfg *bootstrap.Config)) (n1, n2, n3 *gcluster.Cluster) {
    t.Helper()
    ids := [3]string{"n1", "n2", "n3"}
    nodes := make([]*gcluster.Cluster, 3)
    for i, id := range ids {
        cfg := top.node(i, id, i == 0, nil)
        if extra != nil {
            extra(i, &cfg)
        }
        cl, err := bootstrap.Run(ctx, cfg)
        if err != nil {
            t.Fatalf("%s: %v", id, err)
        }
        nodes[i] = cl
    }
    return nodes[0], nodes[1], nodes[2]
}

var baseTopology = threeNodeTopology{
    raft: [3]string{"127.0.0.1:9521", "127.0.0.1:9522", "127.0.0.1:9523"},
    mem:  [3]string{"127.0.0.1:7946", "127.0.0.1:8946", "127.0.0.1:9946"},
    mgmt: [3]string{"127.0.0.1:17946", "127.0.0.1:18946", "127.0.0.1:19946"},
}
