// Package main generates grant keys and signs development actor grants.
//
//	live-grant keygen
//	live-grant sign -user u-1 -campaign c-1 -role player -characters char-1
package main

import (
	"flag"
	"os"

	"github.com/louisbranch/livetable/internal/platform/config"
	"github.com/louisbranch/livetable/internal/services/live/grant"
	"github.com/louisbranch/livetable/internal/tools/actorgrant"
)

func main() {
	if len(os.Args) < 2 {
		config.Exitf("usage: live-grant keygen|sign [flags]")
	}
	switch os.Args[1] {
	case "keygen":
		if err := actorgrant.Keygen(os.Stdout, nil); err != nil {
			config.Exitf("generate grant key: %v", err)
		}
	case "sign":
		cfg, err := actorgrant.ParseSignConfig(flag.NewFlagSet("sign", flag.ExitOnError), os.Args[2:])
		if err != nil {
			config.Exitf("parse flags: %v", err)
		}
		signer, err := grant.LoadSignerFromEnv()
		if err != nil {
			config.Exitf("load signer: %v", err)
		}
		if err := actorgrant.Sign(os.Stdout, signer, cfg); err != nil {
			config.Exitf("sign grant: %v", err)
		}
	default:
		config.Exitf("unknown subcommand %q", os.Args[1])
	}
}
