//go:build integration

package integration

import (
    "context"
    "testing"
    "time"

    "github.com/tpatki/flux-core/pkg/bootstrap"
    httpjson "github.com/tpatki/flux-core/pkg/transport/httpjson"
    "github.com/tpatki/flux-core/pkg/transport"
)

// TestTemporaryDisconnect_RejoinConverges stops a follower, confirms the
// remaining two converge to a 2-member view, then restarts and rejoins it
// and confirms the cluster converges back to 3.
func TestTemporaryDisconnect_RejoinConverges(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
    defer cancel()

    n1, n2, n3 := startThree(t, ctx, baseTopology, nil)
    defer n2.Close()
    defer n1.Close()

    cli := httpjson.NewClient(3 * time.Second)
    joinCtx, cancelJoin := context.WithTimeout(ctx, 5*time.Second)
    if _, err := cli.PostJoin(joinCtx, baseTopology.mgmt[0], transport.JoinRequest{ID: "n2", RaftAddr: baseTopology.raft[1]}); err != nil {
        cancelJoin()
        t.Fatalf("join n2: %v", err)
    }
    if _, err := cli.PostJoin(joinCtx, baseTopology.mgmt[0], transport.JoinRequest{ID: "n3", RaftAddr: baseTopology.raft[2]}); err != nil {
        cancelJoin()
        t.Fatalf("join n3: %v", err)
    }
    cancelJoin()

    eventually(t, 10*time.Second, func() error {
        s, err := pollStatus(ctx, cli, baseTopology.mgmt[0])
        if err != nil {
            return err
        }
        if !s.Healthy || s.LeaderID != "n1" {
            return errNotReady
        }
        return nil
    })

    if err := n3.Close(); err != nil {
        t.Fatalf("close n3: %v", err)
    }

    eventually(t, 20*time.Second, func() error {
        s, err := pollStatus(ctx, cli, baseTopology.mgmt[0])
        if err != nil {
            return err
        }
        if len(s.Members) != 2 {
            return errNotReady
        }
        return nil
    })

    restarted, err := bootstrap.Run(ctx, baseTopology.node(2, "n3", false, nil))
    if err != nil {
        t.Fatalf("n3 restart: %v", err)
    }
    defer restarted.Close()

    rejoinCtx, cancelRejoin := context.WithTimeout(ctx, 5*time.Second)
    if _, err := cli.PostJoin(rejoinCtx, baseTopology.mgmt[0], transport.JoinRequest{ID: "n3", RaftAddr: baseTopology.raft[2]}); err != nil {
        cancelRejoin()
        t.Fatalf("rejoin n3: %v", err)
    }
    cancelRejoin()

    eventually(t, 20*time.Second, func() error {
        s, err := pollStatus(ctx, cli, baseTopology.mgmt[0])
        if err != nil {
            return err
        }
        if len(s.Members) != 3 {
            return errNotReady
        }
        return nil
    })
}
