package main

import "time"

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags Flag structs to decouple cobra from logic for testing.
type RunFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type StatusFlags struct {
	ConfigPath string
	File       string // status file; defaults to status.file from the config
	JSON       bool
	// Remote supervisor connection
	APIUrl     string
	APITimeout time.Duration
}

type RestartFlags struct {
	ConfigPath string
	Reason     string
	Token      string
	// Remote supervisor connection
	APIUrl     string
	APITimeout time.Duration
}

type CheckFlags struct {
	ConfigPath string
}

type HeartbeatFlags struct {
	File   string
	Status string
	Every  time.Duration // keep writing until interrupted when > 0
}

type ValidateFlags struct {
	ConfigPath string
}
