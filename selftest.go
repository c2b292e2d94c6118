package main

import (
	"fmt"
	"log"

	"github.com/jwaldrip/odin/cli"

	"kspec/comm"
	"kspec/spectrum"
	"kspec/utils"
)

func SelfTest(c cli.Command) {
	opt, suc := utils.CheckGlobalArgs(c.Parent())
	if !suc {
		log.Fatalf("[SelfTest] check global Arguments error, opt: %v\n", opt)
	}
	logger := utils.SetupLogger(opt.LogLevel)
	numRanks, ok := c.Flag("ranks").Get().(int)
	if !ok || numRanks < 1 {
		log.Fatalf("[SelfTest] args 'ranks': %v set error\n", c.Flag("ranks").String())
	}
	perThread, ok := c.Flag("perThread").Get().(int)
	if !ok || perThread < 0 {
		log.Fatalf("[SelfTest] args 'perThread': %v set error\n", c.Flag("perThread").String())
	}
	cfg, err := LoadConfig(opt.CfgFn)
	if err != nil {
		log.Fatalf("[SelfTest] load options file: %v\n", err)
	}
	modes := []spectrum.Mode{spectrum.ModeAllToAll, spectrum.ModeP2P}
	if m := c.Flag("mode").String(); m != "" {
		modes = []spectrum.Mode{spectrum.Mode(m)}
	}
	opts := cfg.Build.Buffer
	opts.Logger = logger
	for _, mode := range modes {
		w := comm.NewLocalWorld(numRanks)
		ranks := make([]comm.Communicator, numRanks)
		for r := range ranks {
			ranks[r] = w.Comm(r)
		}
		res, err := spectrum.SyntheticExchange(ranks, mode, opt.NumCPU, perThread, opts)
		w.Close()
		if err != nil {
			log.Fatalf("[SelfTest] %v\n", err)
		}
		for r, rr := range res {
			fmt.Printf("%s rank %d: received %d messages, %d distinct kmers\n", mode, r, rr.Total, len(rr.Counts))
		}
		if err := spectrum.CheckExchange(res, opt.NumCPU, perThread); err != nil {
			log.Fatalf("[SelfTest] %s: %v\n", mode, err)
		}
		fmt.Printf("%s: ok\n", mode)
	}
}
