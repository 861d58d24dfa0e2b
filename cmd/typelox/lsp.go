package main

import (
	"github.com/chazu/typelox/server"
)

// handleLSPCommand serves the language server on stdio until the client
// disconnects.
func handleLSPCommand(cfg *config) {
	sess, closeCache := newSession(cfg)
	defer closeCache()

	// stdout carries the protocol; listings would corrupt it.
	sess.SetListing(nil)

	if err := server.NewLSP(sess).Run(); err != nil {
		fatal(err)
	}
}
