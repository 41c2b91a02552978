//go:build integration

package integration

import (
    "context"
    "testing"
    "time"

    httpjson "github.com/tpatki/flux-core/pkg/transport/httpjson"
)

// TestFollowerStatus_ProxiesToLeader checks that querying a follower's
// management status reports the leader's identity and address, the same way
// the leader reports itself.
func TestFollowerStatus_ProxiesToLeader(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
    defer cancel()

    n1, n2, n3 := startThree(t, ctx, baseTopology, nil)
    defer n3.Close()
    defer n2.Close()
    defer n1.Close()

    cli := httpjson.NewClient(3 * time.Second)

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

    eventually(t, 10*time.Second, func() error {
        s, err := pollStatus(ctx, cli, baseTopology.mgmt[1])
        if err != nil {
            return err
        }
        if s.LeaderID != "n1" || s.LeaderAddr != baseTopology.mgmt[0] {
            return errNotReady
        }
        return nil
    })
}
