//go:build integration

package integration

import (
    "context"
    "testing"
    "time"

    "github.com/tpatki/flux-core/pkg/bootstrap"
    "github.com/tpatki/flux-core/pkg/transport"
    mgmtgrpc "github.com/tpatki/flux-core/pkg/transport/grpc"
    httpjson "github.com/tpatki/flux-core/pkg/transport/httpjson"
)

// resourceTopologies holds a 2-node plan (rank 0 = n1, rank 1 = n2) with its own
// address block per management protocol, so the http and grpc subtests can
// run in the same binary without colliding.
var resourceTopologies = map[string]threeNodeTopology{
    "http": {
        raft: [3]string{"127.0.0.1:9571", "127.0.0.1:9572", ""},
        mem:  [3]string{"127.0.0.1:7996", "127.0.0.1:7997", ""},
        mgmt: [3]string{"127.0.0.1:17996", "127.0.0.1:17997", ""},
    },
    "grpc": {
        raft: [3]string{"127.0.0.1:9581", "127.0.0.1:9582", ""},
        mem:  [3]string{"127.0.0.1:7998", "127.0.0.1:7999", ""},
        mgmt: [3]string{"127.0.0.1:18996", "127.0.0.1:18997", ""},
    },
}

// TestResourceWaitupForceDown drives the monitor's Waitup/ForceDown RPCs end
// to end over a real 2-node cluster, across both management transports: a
// follower rejects both calls since the monitor only answers them on the
// leader, waitup(2) blocks until gossip brings the second rank online and
// then resolves, force-down(1) takes that rank back out and a fresh
// waitup(2) then times out, while waitup(1) against the reduced count
// resolves immediately.
func TestResourceWaitupForceDown(t *testing.T) {
    for _, proto := range []string{"http", "grpc"} {
        proto := proto
        t.Run(proto, func(t *testing.T) {
            top := resourceTopologies[proto]
            ctx, cancel := context.WithTimeout(context.Background(), 40*time.Second)
            defer cancel()

            leader, err := bootstrap.Run(ctx, bootstrap.Config{
                NodeID:           "n1",
                RaftAddr:         top.raft[0],
                MemBind:          top.mem[0],
                MgmtAddr:         top.mgmt[0],
                MgmtProto:        proto,
                DiscoveryKind:    "static",
                Bootstrap:        true,
                ResourceHostsCSV: "n1,n2",
            })
            if err != nil {
                t.Fatalf("leader: %v", err)
            }
            defer leader.Close()

            follower, err := bootstrap.Run(ctx, bootstrap.Config{
                NodeID:           "n2",
                RaftAddr:         top.raft[1],
                MemBind:          top.mem[1],
                MgmtAddr:         top.mgmt[1],
                MgmtProto:        proto,
                DiscoveryKind:    "static",
                SeedsCSV:         top.mem[0],
                ResourceHostsCSV: "n1,n2",
            })
            if err != nil {
                t.Fatalf("follower: %v", err)
            }
            defer follower.Close()

            cli := resourceRPCClient(proto)

            // The follower's monitor exists but rejects management RPCs: only
            // the raft leader answers waitup/force-down.
            if resp, err := cli.PostWaitup(ctx, top.mgmt[1], transport.WaitupRequest{Up: 1}); err == nil || resp.Error == "" {
                t.Fatalf("expected follower to reject waitup, got resp=%+v err=%v", resp, err)
            }

            // Gossip join should bring rank 1 (n2) online; waitup(2) on the
            // leader blocks until then and resolves cleanly.
            waitCtx, cancelWait := context.WithTimeout(ctx, 20*time.Second)
            resp, err := cli.PostWaitup(waitCtx, top.mgmt[0], transport.WaitupRequest{Up: 2})
            cancelWait()
            if err != nil || resp.Error != "" {
                t.Fatalf("waitup(2) on leader: resp=%+v err=%v", resp, err)
            }

            fdResp, err := cli.PostForceDown(ctx, top.mgmt[0], transport.ForceDownRequest{Ranks: "1"})
            if err != nil || fdResp.Error != "" {
                t.Fatalf("force-down(1): resp=%+v err=%v", fdResp, err)
            }

            // Rank 1 is down again, so a fresh waitup(2) must not resolve.
            blockedCtx, cancelBlocked := context.WithTimeout(ctx, 2*time.Second)
            if _, err := cli.PostWaitup(blockedCtx, top.mgmt[0], transport.WaitupRequest{Up: 2}); err == nil {
                cancelBlocked()
                t.Fatalf("expected waitup(2) to block after force-down")
            }
            cancelBlocked()

            // waitup(1) against the reduced count resolves right away.
            resp, err = cli.PostWaitup(ctx, top.mgmt[0], transport.WaitupRequest{Up: 1})
            if err != nil || resp.Error != "" {
                t.Fatalf("waitup(1) after force-down: resp=%+v err=%v", resp, err)
            }
        })
    }
}

func resourceRPCClient(proto string) transport.RPCClient {
    if proto == "grpc" {
        return mgmtgrpc.NewClient(5 * time.Second)
    }
    return httpjson.NewClient(5 * time.Second)
}
