package utils

import (
	"log"
	"os"

	"github.com/jwaldrip/odin/cli"
	llog "github.com/ledgerwatch/log/v3"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// MaxKmer bounds K so a read position and the packed key stay small
const MaxKmer = 255

type ArgsOpt struct {
	Prefix   string
	Kmer     int
	NumCPU   int
	CfgFn    string
	LogLevel llog.Lvl
}

// return global arguments and check if successed
func CheckGlobalArgs(c cli.Command) (opt ArgsOpt, succ bool) {
	opt.Prefix = c.Flag("p").String()
	if opt.Prefix == "" {
		log.Fatalf("[CheckGlobalArgs] args 'p' not set\n")
	}
	// an empty 'C' keeps the built in defaults
	opt.CfgFn = c.Flag("C").String()

	var ok bool
	opt.Kmer, ok = c.Flag("K").Get().(int)
	if !ok {
		log.Fatalf("[CheckGlobalArgs] args 'K' : %v set error\n", c.Flag("K").String())
	}
	if opt.Kmer < 1 || opt.Kmer > MaxKmer {
		log.Fatalf("[CheckGlobalArgs] args 'K': %d must be in [1, %d]\n", opt.Kmer, MaxKmer)
	}
	opt.NumCPU, ok = c.Flag("t").Get().(int)
	if !ok {
		log.Fatalf("[CheckGlobalArgs] args 't': %v set error\n", c.Flag("t").String())
	}
	if opt.NumCPU < 1 {
		log.Fatalf("[CheckGlobalArgs] args 't': %d must be >= 1\n", opt.NumCPU)
	}
	lvl, err := llog.LvlFromString(c.Flag("v").String())
	if err != nil {
		log.Fatalf("[CheckGlobalArgs] args 'v': %v\n", err)
	}
	opt.LogLevel = lvl
	return opt, true
}

// SetupLogger sends records at or above lvl to stderr and returns the root logger
func SetupLogger(lvl llog.Lvl) llog.Logger {
	root := llog.Root()
	root.SetHandler(llog.LvlFilterHandler(lvl, llog.StderrHandler))
	return root
}

// LoadTOML fills v from the TOML file fn. Keys absent from the file keep
// the values v already holds.
func LoadTOML(fn string, v interface{}) error {
	data, err := os.ReadFile(fn)
	if err != nil {
		return errors.Wrap(err, "[LoadTOML]")
	}
	if err := toml.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "[LoadTOML] parse %s", fn)
	}
	return nil
}

// WriteTOML stores v as TOML in fn
func WriteTOML(fn string, v interface{}) error {
	data, err := toml.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "[WriteTOML]")
	}
	return errors.Wrap(os.WriteFile(fn, data, 0o644), "[WriteTOML]")
}
