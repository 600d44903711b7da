package main

import "errors"

var (
	ErrLoadConfig    = errors.New("load config")
	ErrStartDaemon   = errors.New("starting daemon")
	ErrInvalidPathID = errors.New("invalid path id")
)
