package main

import (
	"log"
	"net/http"
	_ "net/http/pprof"

	"github.com/jwaldrip/odin/cli"
)

const Kmerdef = 31

var app = cli.New("1.0.0", "Distributed kmer spectrum counter", func(c cli.Command) {})

func init() {
	app.DefineStringFlag("C", "", "TOML options file, empty for the built in defaults")
	app.DefineIntFlag("K", Kmerdef, "kmer length")
	app.DefineStringFlag("p", "kspec", "prefix of the output file")
	app.DefineIntFlag("t", 1, "number of threads used per rank")
	app.DefineStringFlag("v", "info", "log level[crit|error|warn|info|debug|trace]")
	app.DefineStringFlag("pprof", "", "serve net/http/pprof on this address, e.g. localhost:6090")
	count := app.DefineSubCommand("count", "count the kmer spectrum of read files over a world of ranks", Count)
	{
		count.DefineStringFlag("reads", "", "comma separated read files[fa|fq|bam, fa/fq may end with .zst], appended to the options file list")
		count.DefineStringFlag("ranks", "", "comma separated host:port of every rank, empty runs the world in this process")
		count.DefineIntFlag("rank", 0, "rank of this process in -ranks")
		count.DefineIntFlag("local", 1, "number of in process ranks when -ranks is empty")
		count.DefineStringFlag("mode", "", "transport[alltoall|p2p], empty keeps the options file value")
		count.DefineStringFlag("variant", "", "counting record variant, empty keeps the options file value")
		count.DefineIntFlag("MinKmerFreq", 0, "admit a kmer from its MinKmerFreq-th observation on, 0 keeps the options file value")
		count.DefineBoolFlag("Graph", false, "output dot graph file of the rank to rank traffic")
		count.DefineBoolFlag("progress", false, "show a read file progress bar")
	}
	dump := app.DefineSubCommand("dump", "print the records of a spectrum dump", Dump)
	{
		dump.DefineStringFlag("input", "", "spectrum dump file written by count")
		dump.DefineIntFlag("limit", 0, "print at most limit records, 0 prints all")
	}
	cfstat := app.DefineSubCommand("cfstat", "print the statistics of an admission filter written by count", CFStat)
	{
		cfstat.DefineStringFlag("input", "", "filter file written by count with MinKmerFreq > 1")
		cfstat.DefineStringFlag("query", "", "comma separated kmers whose filter count is printed")
	}
	selftest := app.DefineSubCommand("selftest", "exchange synthetic kmers between in process ranks and check the counts", SelfTest)
	{
		selftest.DefineIntFlag("ranks", 3, "number of in process ranks")
		selftest.DefineIntFlag("perThread", 1000, "messages sent by every thread")
		selftest.DefineStringFlag("mode", "", "transport[alltoall|p2p], empty runs both")
	}
	writecfg := app.DefineSubCommand("writecfg", "write the default options as a TOML file", WriteCfg)
	{
		writecfg.DefineStringFlag("output", "kspec.toml", "output file name")
	}
}

// servePprof starts the profiling endpoint named by the global 'pprof' flag
func servePprof(c cli.Command) {
	addr := c.Flag("pprof").String()
	if addr == "" {
		return
	}
	go func() {
		log.Println(http.ListenAndServe(addr, nil))
	}()
}

func main() {
	app.Start()
}
