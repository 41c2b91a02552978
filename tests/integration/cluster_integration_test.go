//go:build integration

package integration

import (
    "context"
    "testing"
    "time"

    httpjson "github.com/tpatki/flux-core/pkg/transport/httpjson"
    "github.com/tpatki/flux-core/pkg/transport"
)

func TestLeaderChange_OnLeaderStopElectNewLeader(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
    defer cancel()

    n1, n2, n3 := startThree(t, ctx, baseTopology, nil)
    defer n3.Close()
    defer n2.Close()
    defer n1.Close()

    cli := httpjson.NewClient(3 * time.Second)
    joinCtx, cancelJoin := context.WithTimeout(ctx, 5*time.Second)
    defer cancelJoin()
    if _, err := cli.PostJoin(joinCtx, baseTopology.mgmt[0], transport.JoinRequest{ID: "n2", RaftAddr: baseTopology.raft[1]}); err != nil {
        t.Fatalf("join n2: %v", err)
    }
    if _, err := cli.PostJoin(joinCtx, baseTopology.mgmt[0], transport.JoinRequest{ID: "n3", RaftAddr: baseTopology.raft[2]}); err != nil {
        t.Fatalf("join n3: %v", err)
    }

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

    // Killing the leader should force a re-election onto one of the followers.
    if err := n1.Close(); err != nil {
        t.Fatalf("close n1: %v", err)
    }

    eventually(t, 15*time.Second, func() error {
        s, err := pollStatus(ctx, cli, baseTopology.mgmt[1])
        if err != nil {
            return err
        }
        if s.LeaderID != "n2" && s.LeaderID != "n3" {
            return errNotReady
        }
        return nil
    })
}

func TestLeave_RemovesNodeAndConverges(t *testing.T) {
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

    leaveCtx, cancelLeave := context.WithTimeout(ctx, 5*time.Second)
    if _, err := cli.PostLeave(leaveCtx, baseTopology.mgmt[0], transport.LeaveRequest{ID: "n3"}); err != nil {
        cancelLeave()
        t.Fatalf("leave n3: %v", err)
    }
    cancelLeave()
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
        for _, m := range s.Members {
            if m.ID == "n3" {
                return errNotReady
            }
        }
        return nil
    })
}
