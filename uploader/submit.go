/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package uploader

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/klauspost/compress/gzip"
)

var (
	ErrBadPinnedCert = errors.New("failed to parse pinned collector certificate")
)

// Submitter delivers one snapshot to the collector and returns whatever the
// collector said; success is decided by the caller looking for the
// acknowledgement token in the output.
type Submitter interface {
	Submit(snapshotPath string) (output string, err error)
}

// HTTPSubmitter posts the gzipped snapshot to https://collector/<uuid>.
// When a certificate is supplied to NewHTTPSubmitter, server trust is
// pinned to it and the system trust store is not consulted; with none, the
// system roots are used.  No certificate is embedded in the binary.
type HTTPSubmitter struct {
	URL    string
	client *http.Client
}

// NewHTTPSubmitter builds a submitter for the collector URL (already
// including the daemon uuid path element).  pinnedCert is the PEM encoded
// server certificate; empty falls back to the system roots.
func NewHTTPSubmitter(url string, pinnedCert []byte) (*HTTPSubmitter, error) {
	tc := &tls.Config{}
	if len(pinnedCert) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pinnedCert) {
			return nil, ErrBadPinnedCert
		}
		tc.RootCAs = pool
	}
	return &HTTPSubmitter{
		URL: url,
		client: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				TLSClientConfig: tc,
			},
		},
	}, nil
}

func (h *HTTPSubmitter) Submit(snapshotPath string) (string, error) {
	fin, err := os.Open(snapshotPath)
	if err != nil {
		return ``, err
	}
	defer fin.Close()

	var body bytes.Buffer
	gz := gzip.NewWriter(&body)
	if _, err = io.Copy(gz, fin); err != nil {
		return ``, err
	}
	if err = gz.Close(); err != nil {
		return ``, err
	}

	req, err := http.NewRequest(http.MethodPost, h.URL, &body)
	if err != nil {
		return ``, err
	}
	req.Header.Set(`Content-Type`, `application/octet-stream`)
	req.Header.Set(`Content-Encoding`, `gzip`)
	resp, err := h.client.Do(req)
	if err != nil {
		return ``, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return ``, err
	}
	return string(out), nil
}

// ExecSubmitter hands the snapshot to an external submitter process and
// streams its combined output until EOF.
type ExecSubmitter struct {
	Command []string
}

func (e *ExecSubmitter) Submit(snapshotPath string) (string, error) {
	if len(e.Command) == 0 {
		return ``, errors.New("no submitter command configured")
	}
	args := append(append([]string{}, e.Command[1:]...), snapshotPath)
	cmd := exec.Command(e.Command[0], args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
