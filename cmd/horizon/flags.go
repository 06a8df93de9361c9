package main

import "time"

// Flag structs to decouple cobra from logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

type ServeFlags struct {
	ConfigPath  string
	Environment string
	Daemonize   bool
	PidFile     string
	LogFile     string
}

type TerminateFlags struct {
	ConfigPath string
	Wait       bool
}

type PurgeFlags struct {
	ConfigPath string
	Signal     string
}

type SupervisorFlags struct {
	ConfigPath string
	Name       string
	// Remote status API, e.g. http://host:8080/horizon
	APIUrl     string
	APITimeout time.Duration
	APIToken   string
}

type ListFlags struct {
	ConfigPath string
	JSON       bool
	APIUrl     string
	APITimeout time.Duration
	APIToken   string
}

type ClearFlags struct {
	ConfigPath string
	Connection string
	Queue      string
}

type HistoryFlags struct {
	ConfigPath string
	Supervisor string
	Limit      int
	JSON       bool
}

type InstallFlags struct {
	Preset   string
	Basename string
	Output   string
	Force    bool
}

type HashPasswordFlags struct {
	Password string
}
