// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

// perfmapgen produces the symbol map for an ahead-of-time compiled image:
// for every precompiled method in the image it writes one image-relative
// address record to <out>/<name>.ni.<signature>.map.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"github.com/openprof/perfmap/peimage"
	"github.com/openprof/perfmap/symbolmap"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1
)

type arguments struct {
	image     string
	outDir    string
	showTiers bool
	verbose   bool
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("perfmapgen", flag.ExitOnError)
	fs.StringVar(&args.image, "image", "",
		"Path to the ready-to-run PE image to map.")
	fs.StringVar(&args.outDir, "out", ".",
		"Directory the map file is written to.")
	fs.BoolVar(&args.showTiers, "show-tiers", false,
		"Suffix each record with its optimization tier.")
	fs.BoolVar(&args.verbose, "verbose", false,
		"Enable verbose logging.")

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("PERFMAP"))
}

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		log.Errorf("Failed to parse arguments: %v", err)
		return exitFailure
	}
	if args.verbose {
		log.SetLevel(log.DebugLevel)
	}
	if args.image == "" {
		log.Error("No image given, use -image")
		return exitFailure
	}

	img, err := peimage.Open(args.image)
	if err != nil {
		log.Errorf("Failed to open image: %v", err)
		return exitFailure
	}
	if !img.HasReadyToRun() {
		log.Errorf("%s carries no precompiled code", args.image)
		return exitFailure
	}

	m, err := symbolmap.NewStaticImageMap(img, args.outDir, args.showTiers)
	if err != nil {
		log.Errorf("Failed to create map: %v", err)
		return exitFailure
	}
	defer m.Close()

	// Offline output is image-relative, so the base is zero.
	m.LogAllMethods(img.Methods(), 0)

	sig := symbolmap.ImageSignature(img)
	fmt.Printf("%s.ni.%s.map written to %s\n", img.SimpleName(), sig, args.outDir)
	return exitSuccess
}
