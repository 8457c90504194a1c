package main

import "time"

// GlobalFlags holds persistent flags shared by all commands
type GlobalFlags struct {
	ConfigPath string
}

// TailFlags holds flags for the tail command
type TailFlags struct {
	Stream string
	Cursor int64
}

// AppendFlags holds flags for the append command
type AppendFlags struct {
	Stream string
	Data   string
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Listen          string
	ShutdownTimeout time.Duration
}
