//go:build linux

package main

import (
	"github.com/luhtfiimanal/go-uartmux/config"
	"github.com/luhtfiimanal/go-uartmux/uart"
)

func openLine(cfg *config.Config) (line, error) {
	if cfg.Line.Backend == "serial" {
		return openSerial(cfg)
	}
	params, err := cfg.Parameters()
	if err != nil {
		return nil, err
	}
	return uart.Open(uart.Config{
		Device:   cfg.Line.Device,
		BaudRate: params.BaudRate,
		StopBits: params.StopBits,
		Parity:   params.Parity,
	})
}
