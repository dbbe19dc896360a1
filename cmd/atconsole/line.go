package main

import (
	"io"

	"github.com/luhtfiimanal/go-uartmux/config"
	"github.com/luhtfiimanal/go-uartmux/uart"
)

// line is a UART backend the console can close.
type line interface {
	uart.UART
	io.Closer
}

func openSerial(cfg *config.Config) (line, error) {
	params, err := cfg.Parameters()
	if err != nil {
		return nil, err
	}
	return uart.OpenSerial(uart.SerialConfig{
		Port:     cfg.Line.Device,
		BaudRate: params.BaudRate,
		StopBits: params.StopBits,
		Parity:   params.Parity,
	})
}
