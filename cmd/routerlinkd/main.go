// Command routerlinkd runs a standalone transport node: it listens on the
// stream and datagram protocols, keeps router descriptors in a badger
// database, and serves Prometheus metrics.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.WithError(err).Error("routerlinkd failed")
		os.Exit(1)
	}
}
