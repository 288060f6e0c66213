/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package uploader

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func timeRef(sec int64) time.Time {
	return time.Unix(sec, 0)
}

func writeSnapshot(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), snapshotName)
	require.NoError(t, os.WriteFile(p, []byte(body), 0600))
	return p
}

func TestHTTPSubmitterPinnedCert(t *testing.T) {
	var got []byte
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, `gzip`, r.Header.Get(`Content-Encoding`))
		gz, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		got, err = io.ReadAll(gz)
		require.NoError(t, err)
		w.Write([]byte(`+OK stored`))
	}))
	defer srv.Close()

	//pin exactly the server's certificate, nothing from the system store
	pinned := pem.EncodeToMemory(&pem.Block{
		Type:  `CERTIFICATE`,
		Bytes: srv.Certificate().Raw,
	})
	sub, err := NewHTTPSubmitter(srv.URL+`/`+`0f32d1ab-aaaa-bbbb-cccc-ddddeeeeffff`, pinned)
	require.NoError(t, err)

	out, err := sub.Submit(writeSnapshot(t, `snapshot-bytes`))
	require.NoError(t, err)
	require.Contains(t, out, `+OK`)
	require.Equal(t, `snapshot-bytes`, string(got))
}

func TestHTTPSubmitterRejectsUnpinnedServer(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`+OK`))
	}))
	defer srv.Close()

	//pin a certificate that is NOT the server's: a fresh self-signed one
	//(every httptest TLS server shares the same built-in certificate)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	pinned := pem.EncodeToMemory(&pem.Block{
		Type:  `CERTIFICATE`,
		Bytes: der,
	})
	sub, err := NewHTTPSubmitter(srv.URL, pinned)
	require.NoError(t, err)
	_, err = sub.Submit(writeSnapshot(t, `x`))
	require.Error(t, err)
}

func TestHTTPSubmitterBadPEM(t *testing.T) {
	_, err := NewHTTPSubmitter(`https://x`, []byte(`not a pem`))
	require.ErrorIs(t, err, ErrBadPinnedCert)
}

func TestExecSubmitter(t *testing.T) {
	p := writeSnapshot(t, `x`)
	sub := &ExecSubmitter{Command: []string{`/bin/echo`, `+OK`}}
	out, err := sub.Submit(p)
	require.NoError(t, err)
	require.Contains(t, out, `+OK`)
	require.Contains(t, out, p) //the snapshot path is handed to the command
}

func TestExecSubmitterNoCommand(t *testing.T) {
	_, err := (&ExecSubmitter{}).Submit(`/tmp/x`)
	require.Error(t, err)
}

func TestConditions(t *testing.T) {
	var c Conditions
	c.SetMedium(`wifi`, timeRef(10))
	c.SetMedium(`wifi`, timeRef(20)) //unchanged medium keeps the original since
	m, since, _, _ := c.snapshot()
	require.Equal(t, `wifi`, m)
	require.Equal(t, timeRef(10), since)

	c.SetMedium(`ethernet`, timeRef(30))
	m, since, _, _ = c.snapshot()
	require.Equal(t, `ethernet`, m)
	require.Equal(t, timeRef(30), since)
}
