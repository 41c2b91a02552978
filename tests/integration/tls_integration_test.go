//go:build integration

package integration

import (
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/tpatki/flux-core/pkg/bootstrap"
    tlsx "github.com/tpatki/flux-core/pkg/security/tlsconfig"
    "github.com/tpatki/flux-core/pkg/transport"
    httpjson "github.com/tpatki/flux-core/pkg/transport/httpjson"
)

func TestTLS_ThreeNodes_StatusAndJoin(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
    defer cancel()

    dir := t.TempDir()
    certs := issueTestCertChain(t, dir)

    n1, n2, n3 := startThree(t, ctx, baseTopology, func(i int, cfg *bootstrap.Config) {
        cfg.TLSEnable = true
        cfg.TLSCA, cfg.TLSCert, cfg.TLSKey = certs.caCrt, certs.srvCrt, certs.srvKey
    })
    defer n3.Close()
    defer n2.Close()
    defer n1.Close()

    cliTLS, err := (tlsx.Options{Enable: true, CAFile: certs.caCrt, CertFile: certs.cliCrt, KeyFile: certs.cliKey}).Client()
    if err != nil {
        t.Fatalf("client tls config: %v", err)
    }
    cli := httpjson.NewClient(3 * time.Second).UseTLS(cliTLS)

    eventually(t, 20*time.Second, func() error {
        s, err := pollStatus(ctx, cli, baseTopology.mgmt[0])
        if err != nil {
            return err
        }
        if !s.Healthy || s.LeaderID != "n1" {
            return errNotReady
        }
        return nil
    })

    joinCtx, cancelJoin := context.WithTimeout(ctx, 5*time.Second)
    defer cancelJoin()
    if _, err := cli.PostJoin(joinCtx, baseTopology.mgmt[0], transport.JoinRequest{ID: "n2", RaftAddr: baseTopology.raft[1]}); err != nil {
        t.Fatalf("join n2: %v", err)
    }
    if _, err := cli.PostJoin(joinCtx, baseTopology.mgmt[0], transport.JoinRequest{ID: "n3", RaftAddr: baseTopology.raft[2]}); err != nil {
        t.Fatalf("join n3: %v", err)
    }
}

// testCertChain is a throwaway CA plus one server and one client leaf,
// generated fresh per test run to exercise mutual TLS end to end.
type testCertChain struct {
    caCrt, caKey   string
    srvCrt, srvKey string
    cliCrt, cliKey string
}

func issueTestCertChain(t *testing.T, dir string) testCertChain {
    t.Helper()
    caKey, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil {
        t.Fatalf("generate ca key: %v", err)
    }
    caTemplate := &x509.Certificate{
        SerialNumber:          big.NewInt(1),
        Subject:                pkix.Name{CommonName: "flux-core-test-ca"},
        NotBefore:              time.Now().Add(-time.Hour),
        NotAfter:               time.Now().Add(48 * time.Hour),
        KeyUsage:               x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
        IsCA:                   true,
        BasicConstraintsValid:  true,
    }
    caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
    if err != nil {
        t.Fatalf("create ca cert: %v", err)
    }

    out := testCertChain{
        caCrt: filepath.Join(dir, "ca.crt"),
        caKey: filepath.Join(dir, "ca.key"),
    }
    writeTestPEM(t, out.caCrt, "CERTIFICATE", caDER)
    writeTestPEM(t, out.caKey, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(caKey))

    leaf := func(cn, crtName, keyName string, client bool) (string, string) {
        priv, err := rsa.GenerateKey(rand.Reader, 2048)
        if err != nil {
            t.Fatalf("generate %s key: %v", cn, err)
        }
        tpl := &x509.Certificate{
            SerialNumber: big.NewInt(time.Now().UnixNano()),
            Subject:      pkix.Name{CommonName: cn},
            NotBefore:    time.Now().Add(-time.Hour),
            NotAfter:     time.Now().Add(24 * time.Hour),
            KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
            IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
        }
        if client {
            tpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
        } else {
            tpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
        }
        der, err := x509.CreateCertificate(rand.Reader, tpl, caTemplate, &priv.PublicKey, caKey)
        if err != nil {
            t.Fatalf("create %s cert: %v", cn, err)
        }
        crtPath := filepath.Join(dir, crtName)
        keyPath := filepath.Join(dir, keyName)
        writeTestPEM(t, crtPath, "CERTIFICATE", der)
        writeTestPEM(t, keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
        return crtPath, keyPath
    }

    out.srvCrt, out.srvKey = leaf("flux-core-test-server", "server.crt", "server.key", false)
    out.cliCrt, out.cliKey = leaf("flux-core-test-client", "client.crt", "client.key", true)
    return out
}

func writeTestPEM(t *testing.T, path, typ string, der []byte) {
    t.Helper()
    f, err := os.Create(path)
    if err != nil {
        t.Fatalf("create %s: %v", path, err)
    }
    defer f.Close()
    if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil {
        t.Fatalf("pem encode %s: %v", path, err)
    }
}
