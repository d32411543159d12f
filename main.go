// Package main is the entry point for the racemerge command line.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cantart/racemerge/app"
)

func main() {
	// Commands log through their configured logger; this one only reports
	// errors that end the process.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := app.NewRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("racemerge failed")
		os.Exit(1)
	}
}
