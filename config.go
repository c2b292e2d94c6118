package main

import (
	"log"
	"strings"

	"github.com/jwaldrip/odin/cli"
	"github.com/pkg/errors"

	"kspec/spectrum"
	"kspec/track"
	"kspec/utils"
)

// Config is the content of the TOML options file
type Config struct {
	Reads    []string              `toml:"reads"`
	Spectrum spectrum.Config       `toml:"spectrum"`
	Build    spectrum.BuildOptions `toml:"build"`
}

func DefaultConfig() Config {
	return Config{
		Spectrum: spectrum.DefaultConfig(),
		Build:    spectrum.DefaultBuildOptions(),
	}
}

// LoadConfig reads fn over the defaults; an empty fn keeps the defaults
func LoadConfig(fn string) (Config, error) {
	cfg := DefaultConfig()
	if fn == "" {
		return cfg, nil
	}
	if err := utils.LoadTOML(fn, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.check()
}

func (cfg Config) check() error {
	if track.New(cfg.Spectrum.Variant) == nil {
		return errors.Errorf("unknown variant %q, want one of %v", cfg.Spectrum.Variant, track.Variants)
	}
	if m := cfg.Build.Mode; m != spectrum.ModeAllToAll && m != spectrum.ModeP2P {
		return errors.Errorf("unknown mode %q", m)
	}
	if r := cfg.Build.Buffer.SoftRatio; r < 0 || r > 1 {
		return errors.Errorf("buffer soft_ratio %v must be within (0,1]", r)
	}
	return nil
}

// splitList splits a comma separated flag value, dropping empty items
func splitList(s string) []string {
	var l []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			l = append(l, f)
		}
	}
	return l
}

// override applies the count flags that are set over cfg
func (cfg *Config) override(c cli.Command) error {
	cfg.Reads = append(cfg.Reads, splitList(c.Flag("reads").String())...)
	if m := c.Flag("mode").String(); m != "" {
		cfg.Build.Mode = spectrum.Mode(m)
	}
	if v := c.Flag("variant").String(); v != "" {
		cfg.Spectrum.Variant = v
	}
	if f, ok := c.Flag("MinKmerFreq").Get().(int); ok && f > 0 {
		cfg.Spectrum.MinKmerFreq = f
	}
	return cfg.check()
}

func WriteCfg(c cli.Command) {
	fn := c.Flag("output").String()
	if err := utils.WriteTOML(fn, DefaultConfig()); err != nil {
		log.Fatalf("[WriteCfg] %v\n", err)
	}
}
