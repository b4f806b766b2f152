package main

import "github.com/fatih/color"

var (
	brand  = color.New(color.FgHiGreen, color.Bold)
	subtle = color.New(color.FgHiBlack)
	info   = color.New(color.FgCyan)
	warn   = color.New(color.FgYellow)
	bad    = color.New(color.FgRed, color.Bold)
)
