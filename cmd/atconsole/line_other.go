//go:build !linux

package main

import (
	"fmt"

	"github.com/luhtfiimanal/go-uartmux/config"
)

func openLine(cfg *config.Config) (line, error) {
	if cfg.Line.Backend == "tty" {
		return nil, fmt.Errorf("backend tty is only available on linux; use serial")
	}
	return openSerial(cfg)
}
