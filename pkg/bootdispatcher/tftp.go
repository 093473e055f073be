// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package bootdispatcher

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/pin/tftp/v3"
)

// TFTPServer is a read-only RFC 1350 server for static network-bootloader
// artifacts: undionly.kpxe, ipxe.efi, GRUB binaries, Pi
// firmware/device trees, and the ARM64 deploy kernel+initramfs. The file
// map is simply the directory tree under root — no dynamic generation.
type TFTPServer struct {
	root   string
	srv    *tftp.Server
	logger *log.Logger
}

// NewTFTPServer creates a TFTP server rooted at root. Call ListenAndServe
// to start it.
func NewTFTPServer(root string, logger *log.Logger) *TFTPServer {
	if logger == nil {
		logger = log.New(log.Writer(), "tftp: ", log.LstdFlags)
	}
	t := &TFTPServer{root: root, logger: logger}
	t.srv = tftp.NewServer(t.handleRead, nil)
	t.srv.SetTimeout(5e9) // 5s per-block timeout
	return t
}

// ListenAndServe blocks serving TFTP on addr (e.g. ":69") until the
// server is shut down or ctx-driven Serve exits.
func (t *TFTPServer) ListenAndServe(addr string) error {
	t.logger.Printf("tftp: serving %s on %s", t.root, addr)
	return t.srv.ListenAndServe(addr)
}

// Shutdown stops accepting new transfers.
func (t *TFTPServer) Shutdown() {
	t.srv.Shutdown()
}

// handleRead serves filename under root, rejecting traversal components
// with TFTP error code 2 (access violation).
func (t *TFTPServer) handleRead(filename string, rf io.ReaderFrom) error {
	clean := filepath.Clean("/" + filename)
	if strings.Contains(filename, "..") {
		return fmt.Errorf("access violation: %s", filename)
	}

	path := filepath.Join(t.root, clean)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("file not found: %s", filename)
		}
		return err
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		if rf2, ok := rf.(interface{ SetSize(int64) }); ok {
			rf2.SetSize(info.Size())
		}
	}

	n, err := rf.ReadFrom(f)
	if err != nil {
		t.logger.Printf("tftp: serve %s failed after %d bytes: %v", filename, n, err)
		return err
	}
	return nil
}
