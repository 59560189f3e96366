/*
This command provides an executable version of the trinogate Trino
routing gateway.

For the list of command line options, run:

	trinogate -help

For details about the gateway, please see the documentation of the
github.com/trinogate/trinogate package.
*/
package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/trinogate/trinogate"
	"github.com/trinogate/trinogate/config"
)

func main() {
	cfg := config.NewConfig()
	if err := cfg.Parse(); err != nil {
		log.Fatalf("Error processing config: %s", err)
	}

	log.SetLevel(cfg.ApplicationLogLevel)
	log.Fatal(trinogate.Run(cfg.ToOptions()))
}
